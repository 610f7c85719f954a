package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/personabot/config"
	"github.com/hrygo/personabot/session"
)

// scriptedStreamer replays one scripted attempt per Stream call, in order.
type scriptedStreamer struct {
	attempts []func(ctx context.Context, tokens chan<- string, errs chan<- error)
	calls    int
}

func (s *scriptedStreamer) Stream(ctx context.Context, _ config.Profile, _ []session.Message) (<-chan string, <-chan error) {
	tokens := make(chan string, 10)
	errs := make(chan error, 1)
	attempt := s.attempts[s.calls]
	s.calls++
	go func() {
		defer close(tokens)
		defer close(errs)
		attempt(ctx, tokens, errs)
	}()
	return tokens, errs
}

func testProfile(id string) config.Profile {
	return config.Profile{
		ID:                  id,
		Provider:            "openai",
		URL:                 "https://api.example.com/v1",
		Key:                 "sk-test",
		Model:               "test-model-" + id,
		FirstChunkTimeoutMs: 80,
		TotalTimeoutMs:      2000,
	}
}

func collect(tokens <-chan string) string {
	var out string
	for token := range tokens {
		out += token
	}
	return out
}

func TestStreamGenerateHappyPath(t *testing.T) {
	streamer := &scriptedStreamer{attempts: []func(context.Context, chan<- string, chan<- error){
		func(_ context.Context, tokens chan<- string, _ chan<- error) {
			tokens <- "你好"
			tokens <- "，世界"
		},
	}}
	channel := NewChannel("default", []config.Profile{testProfile("a")}, streamer, time.Second, nil)

	trace := &Trace{}
	tokens, errs := channel.StreamGenerate(context.Background(), nil, trace)

	assert.Equal(t, "你好，世界", collect(tokens))
	err, ok := <-errs
	assert.False(t, ok && err != nil)
	assert.Equal(t, 1, trace.AttemptCount)
	assert.Equal(t, "test-model-a", trace.ModelName)
	assert.False(t, trace.Truncated)
}

func TestFailoverOnImmediateError(t *testing.T) {
	streamer := &scriptedStreamer{attempts: []func(context.Context, chan<- string, chan<- error){
		func(_ context.Context, _ chan<- string, errs chan<- error) {
			errs <- errors.New("401 unauthorized")
		},
		func(_ context.Context, tokens chan<- string, _ chan<- error) {
			tokens <- "backup reply"
		},
	}}
	channel := NewChannel("default", []config.Profile{testProfile("a"), testProfile("b")}, streamer, time.Second, nil)

	trace := &Trace{}
	tokens, errs := channel.StreamGenerate(context.Background(), nil, trace)

	assert.Equal(t, "backup reply", collect(tokens))
	err, ok := <-errs
	assert.False(t, ok && err != nil)
	assert.Equal(t, 2, trace.AttemptCount)
	assert.Equal(t, "test-model-b", trace.ModelName)
	assert.Equal(t, 2, streamer.calls)
}

func TestFailoverOnFirstChunkTimeout(t *testing.T) {
	streamer := &scriptedStreamer{attempts: []func(context.Context, chan<- string, chan<- error){
		func(ctx context.Context, _ chan<- string, _ chan<- error) {
			// Silent past the 80ms TTFT deadline.
			select {
			case <-time.After(500 * time.Millisecond):
			case <-ctx.Done():
			}
		},
		func(_ context.Context, tokens chan<- string, _ chan<- error) {
			tokens <- "from the fallback"
		},
	}}
	channel := NewChannel("default", []config.Profile{testProfile("a"), testProfile("b")}, streamer, time.Second, nil)

	trace := &Trace{}
	tokens, errs := channel.StreamGenerate(context.Background(), nil, trace)

	assert.Equal(t, "from the fallback", collect(tokens))
	err, ok := <-errs
	assert.False(t, ok && err != nil)
	assert.Equal(t, 2, trace.AttemptCount)
}

func TestAllProfilesExhausted(t *testing.T) {
	fail := func(_ context.Context, _ chan<- string, errs chan<- error) {
		errs <- errors.New("boom")
	}
	streamer := &scriptedStreamer{attempts: []func(context.Context, chan<- string, chan<- error){fail, fail}}
	channel := NewChannel("default", []config.Profile{testProfile("a"), testProfile("b")}, streamer, time.Second, nil)

	trace := &Trace{}
	tokens, errs := channel.StreamGenerate(context.Background(), nil, trace)

	assert.Empty(t, collect(tokens))
	err, ok := <-errs
	require.True(t, ok)
	assert.ErrorIs(t, err, ErrUpstreamExhausted)
	assert.Equal(t, 2, trace.AttemptCount)
}

func TestMidStreamStallTruncates(t *testing.T) {
	streamer := &scriptedStreamer{attempts: []func(context.Context, chan<- string, chan<- error){
		func(ctx context.Context, tokens chan<- string, _ chan<- error) {
			tokens <- "partial "
			tokens <- "reply"
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
		},
	}}
	// Short inter-chunk timeout so the stall is detected quickly.
	channel := NewChannel("default", []config.Profile{testProfile("a"), testProfile("b")}, streamer, 60*time.Millisecond, nil)

	trace := &Trace{}
	tokens, errs := channel.StreamGenerate(context.Background(), nil, trace)

	// The partial text stands; there is no failover to the second profile.
	assert.Equal(t, "partial reply", collect(tokens))
	err, ok := <-errs
	assert.False(t, ok && err != nil)
	assert.Equal(t, 1, trace.AttemptCount)
	assert.True(t, trace.Truncated)
	assert.Equal(t, 1, streamer.calls)
}

func TestMidStreamErrorTruncates(t *testing.T) {
	streamer := &scriptedStreamer{attempts: []func(context.Context, chan<- string, chan<- error){
		func(_ context.Context, tokens chan<- string, errs chan<- error) {
			tokens <- "half a "
			tokens <- "thought"
			// Let the tokens drain before the failure surfaces.
			time.Sleep(30 * time.Millisecond)
			errs <- errors.New("connection reset")
		},
	}}
	channel := NewChannel("default", []config.Profile{testProfile("a"), testProfile("b")}, streamer, time.Second, nil)

	trace := &Trace{}
	tokens, errs := channel.StreamGenerate(context.Background(), nil, trace)

	assert.Equal(t, "half a thought", collect(tokens))
	err, ok := <-errs
	assert.False(t, ok && err != nil)
	assert.True(t, trace.Truncated)
	assert.Equal(t, 1, streamer.calls)
}

func TestNoProfilesConfigured(t *testing.T) {
	channel := NewChannel("default", nil, &scriptedStreamer{}, time.Second, nil)

	tokens, errs := channel.StreamGenerate(context.Background(), nil, nil)

	assert.Empty(t, collect(tokens))
	err, ok := <-errs
	require.True(t, ok)
	assert.ErrorIs(t, err, ErrUpstreamExhausted)
}

func TestContextCancelStopsFailover(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	streamer := &scriptedStreamer{attempts: []func(context.Context, chan<- string, chan<- error){
		func(_ context.Context, _ chan<- string, errs chan<- error) {
			cancel()
			errs <- errors.New("boom")
		},
		func(_ context.Context, tokens chan<- string, _ chan<- error) {
			tokens <- "should not run"
		},
	}}
	channel := NewChannel("default", []config.Profile{testProfile("a"), testProfile("b")}, streamer, time.Second, nil)

	tokens, _ := channel.StreamGenerate(ctx, nil, nil)

	assert.Empty(t, collect(tokens))
	assert.Equal(t, 1, streamer.calls)
}
