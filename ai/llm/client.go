// Package llm issues single streaming chat-completion attempts against an
// OpenAI-compatible endpoint described by one pipeline profile.
package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/hrygo/personabot/config"
	"github.com/hrygo/personabot/session"
)

const defaultTemperature = 0.7

// Streamer is the upstream port the pipeline drives. One call is one
// attempt against one profile; the first token received doubles as the
// first-frame signal for TTFT enforcement.
type Streamer interface {
	Stream(ctx context.Context, profile config.Profile, messages []session.Message) (<-chan string, <-chan error)
}

// Client implements Streamer on go-openai. The HTTP transport is shared
// across profiles; per-profile credentials and base URLs are applied per
// call.
type Client struct {
	httpClient *http.Client
}

// NewClient creates an upstream client.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			// No client-level timeout: streams are long-lived and the
			// pipeline cancels through the context deadlines.
		},
	}
}

// Stream issues one streaming request. Non-empty content deltas are pushed
// onto the token channel; the channels are closed on upstream EOF. Errors
// (including non-2xx responses surfaced by the SDK) arrive on the error
// channel.
func (c *Client) Stream(ctx context.Context, profile config.Profile, messages []session.Message) (<-chan string, <-chan error) {
	tokenChan := make(chan string, 10)
	errChan := make(chan error, 1)

	go func() {
		defer close(tokenChan)
		defer close(errChan)

		clientConfig := openai.DefaultConfig(profile.Key)
		clientConfig.BaseURL = baseURL(profile.URL)
		clientConfig.HTTPClient = c.httpClient
		client := openai.NewClientWithConfig(clientConfig)

		req := openai.ChatCompletionRequest{
			Model:       profile.Model,
			Temperature: defaultTemperature,
			Messages:    convertMessages(messages),
		}

		slog.Debug("upstream stream starting", "provider", profile.Provider, "model", profile.Model, "messages", len(messages))
		stream, err := client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			select {
			case errChan <- err:
			case <-ctx.Done():
			}
			return
		}
		defer func() { _ = stream.Close() }()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				select {
				case errChan <- err:
				case <-ctx.Done():
				}
				return
			}
			if len(response.Choices) == 0 {
				continue
			}
			delta := response.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case tokenChan <- delta:
			case <-ctx.Done():
				return
			}
		}
	}()

	return tokenChan, errChan
}

// baseURL strips the chat-completions suffix that profiles usually carry;
// the SDK appends it back per request.
func baseURL(url string) string {
	url = strings.TrimRight(url, "/")
	return strings.TrimSuffix(url, "/chat/completions")
}

// Assemble builds the request message list: the character's system prompt,
// the history, and the current user input. An empty input means the history
// already ends with the user turn (regenerate path).
func Assemble(systemPrompt string, history []session.Message, userInput string) []session.Message {
	messages := make([]session.Message, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, session.Message{Role: session.RoleSystem, Content: systemPrompt})
	}
	messages = append(messages, history...)
	if userInput != "" {
		messages = append(messages, session.Message{Role: session.RoleUser, Content: userInput})
	}
	return messages
}

func convertMessages(messages []session.Message) []openai.ChatCompletionMessage {
	converted := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		converted[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}
	return converted
}
