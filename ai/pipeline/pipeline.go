// Package pipeline executes an ordered list of upstream profiles with
// streaming failover. A profile that produces no token within its
// first-chunk deadline is abandoned and the next one is tried; once tokens
// flow, stalls truncate the stream gracefully instead of failing over, since
// the user has already seen partial text and a retry would duplicate it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hrygo/personabot/ai/llm"
	"github.com/hrygo/personabot/config"
	"github.com/hrygo/personabot/metrics"
	"github.com/hrygo/personabot/session"
)

// ErrUpstreamExhausted is raised when every profile failed before emitting
// a single token.
var ErrUpstreamExhausted = errors.New("pipeline: all profiles exhausted")

// Trace reports which step ultimately served (or last failed) a call. The
// orchestrator passes one in for logging and the message-log columns.
type Trace struct {
	AttemptCount int
	ModelName    string
	Provider     string
	TTFTMs       int64
	Truncated    bool
}

// Channel is an ordered list of profiles sharing failover semantics.
type Channel struct {
	id                string
	profiles          []config.Profile
	streamer          llm.Streamer
	interChunkTimeout time.Duration
	exporter          *metrics.Exporter
}

// NewChannel creates a channel. interChunkTimeout polices token silence
// after the first token arrived; the per-profile deadlines come from the
// profiles themselves.
func NewChannel(id string, profiles []config.Profile, streamer llm.Streamer, interChunkTimeout time.Duration, exporter *metrics.Exporter) *Channel {
	return &Channel{
		id:                id,
		profiles:          profiles,
		streamer:          streamer,
		interChunkTimeout: interChunkTimeout,
		exporter:          exporter,
	}
}

// ID returns the channel id from configuration.
func (c *Channel) ID() string {
	return c.id
}

// StreamGenerate runs the failover loop. Tokens stream on the first
// channel; the error channel delivers at most one error, and only when no
// token was ever emitted. Both channels close when the call is over.
func (c *Channel) StreamGenerate(ctx context.Context, messages []session.Message, trace *Trace) (<-chan string, <-chan error) {
	out := make(chan string, 10)
	errOut := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errOut)

		var lastErr error
		for i, profile := range c.profiles {
			if ctx.Err() != nil {
				return
			}
			if trace != nil {
				trace.AttemptCount = i + 1
				trace.ModelName = profile.Model
				trace.Provider = profile.Provider
			}
			c.exporter.ObservePipelineAttempt(c.id, profile.Model)

			emitted, err := c.runProfile(ctx, profile, messages, out, trace)
			if emitted {
				// Tokens reached the caller; whatever ended the stream,
				// the call is over.
				return
			}
			if ctx.Err() != nil {
				return
			}
			lastErr = err
			c.exporter.ObserveFailover(c.id)
			slog.Warn("pipeline step failed before first token, failing over",
				"channel", c.id,
				"attempt", i+1,
				"model", profile.Model,
				"error", err,
			)
		}

		if lastErr == nil {
			lastErr = errors.New("no profiles configured")
		}
		select {
		case errOut <- fmt.Errorf("%w: %v", ErrUpstreamExhausted, lastErr):
		case <-ctx.Done():
		}
	}()

	return out, errOut
}

// runProfile drives one attempt. It reports whether any token was forwarded
// to the caller; when false, err says why the step failed.
func (c *Channel) runProfile(ctx context.Context, profile config.Profile, messages []session.Message, out chan<- string, trace *Trace) (emitted bool, err error) {
	tFirst := time.Duration(profile.FirstChunkTimeoutMs) * time.Millisecond
	tTotal := time.Duration(profile.TotalTimeoutMs) * time.Millisecond

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	tokens, errs := c.streamer.Stream(attemptCtx, profile, messages)

	firstTimer := time.NewTimer(tFirst)
	defer firstTimer.Stop()
	totalTimer := time.NewTimer(tTotal)
	defer totalTimer.Stop()

	// Phase one: wait for the first token under the TTFT deadline. The
	// error channel closes slightly before the token channel on clean
	// shutdown, so a closed errs only disables that case; buffered tokens
	// still drain.
	var first string
waitFirst:
	for {
		select {
		case token, ok := <-tokens:
			if !ok {
				// Producer is done; pick up its error if one is pending.
				if errs != nil {
					if pending, pendingOk := <-errs; pendingOk {
						return false, pending
					}
				}
				return false, errors.New("upstream closed without content")
			}
			first = token
			break waitFirst
		case upstreamErr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			return false, upstreamErr
		case <-firstTimer.C:
			return false, fmt.Errorf("no first token within %s", tFirst)
		case <-totalTimer.C:
			return false, fmt.Errorf("no first token within %s", tTotal)
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	ttft := time.Since(start)
	if trace != nil {
		trace.TTFTMs = ttft.Milliseconds()
	}
	c.exporter.ObserveTTFT(c.id, profile.Model, ttft.Seconds())

	select {
	case out <- first:
	case <-ctx.Done():
		return true, ctx.Err()
	}

	// Phase two: forward tokens, policing inter-chunk silence and the total
	// deadline. Any stall or error from here on truncates: the stream is
	// closed normally and what was emitted stands.
	interTimer := time.NewTimer(c.interChunkTimeout)
	defer interTimer.Stop()

	for {
		select {
		case token, ok := <-tokens:
			if !ok {
				return true, nil
			}
			select {
			case out <- token:
			case <-ctx.Done():
				return true, ctx.Err()
			}
			if !interTimer.Stop() {
				<-interTimer.C
			}
			interTimer.Reset(c.interChunkTimeout)
		case upstreamErr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.truncate(trace, "upstream error mid-stream", upstreamErr)
			return true, nil
		case <-interTimer.C:
			c.truncate(trace, "inter-chunk silence exceeded", nil)
			return true, nil
		case <-totalTimer.C:
			c.truncate(trace, "total stream deadline exceeded", nil)
			return true, nil
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

func (c *Channel) truncate(trace *Trace, reason string, err error) {
	if trace != nil {
		trace.Truncated = true
	}
	c.exporter.ObserveTruncation(c.id)
	slog.Info("stream truncated gracefully", "channel", c.id, "reason", reason, "error", err)
}
