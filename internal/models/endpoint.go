// internal/models/endpoint.go
package models

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPEndpoint talks to an OpenAI-compatible chat completions API
// (OpenRouter, a local llama.cpp/ollama server, ...). It classifies every
// failure but never retries; retries belong to Resilient.
type HTTPEndpoint struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	timeouts TimeoutConfig
	now      func() time.Time
}

// NewHTTPEndpoint creates an endpoint rooted at baseURL (e.g. https://openrouter.ai/api/v1)
func NewHTTPEndpoint(baseURL, apiKey string, timeouts TimeoutConfig) *HTTPEndpoint {
	if timeouts.Connect <= 0 {
		timeouts.Connect = DefaultTimeoutConfig().Connect
	}
	if timeouts.Request <= 0 {
		timeouts.Request = DefaultTimeoutConfig().Request
	}
	return &HTTPEndpoint{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		client:   newHTTPClient(timeouts),
		timeouts: timeouts,
		now:      time.Now,
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type streamPayload struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Code    any    `json:"code,omitempty"`
}

// Query sends one request and returns the whole reply
func (e *HTTPEndpoint) Query(ctx context.Context, model string, messages []Message, params Params) (Response, error) {
	start := e.now()
	callCtx, cancel := context.WithTimeout(ctx, e.timeouts.Request)
	defer cancel()

	resp, err := e.do(ctx, callCtx, model, messages, params, false)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, classifyTransport(ctx, model, fmt.Errorf("read body: %w", err))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Response{}, newError(KindServerError, model, fmt.Errorf("decode response: %w", err))
	}
	if parsed.Error != nil {
		return Response{}, newError(KindServerError, model, errors.New(parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return Response{}, newError(KindServerError, model, errors.New("response has no choices"))
	}

	return Response{
		Model:   model,
		Content: parsed.Choices[0].Message.Content,
		Latency: e.now().Sub(start),
	}, nil
}

// Stream sends one streaming request and returns a channel of chunks.
// The channel always ends with one Done or Error chunk, then closes.
func (e *HTTPEndpoint) Stream(ctx context.Context, model string, messages []Message, params Params) <-chan Chunk {
	ch := make(chan Chunk, 100)

	go func() {
		defer close(ch)
		callCtx, cancel := context.WithTimeout(ctx, e.timeouts.Request)
		defer cancel()

		resp, err := e.do(ctx, callCtx, model, messages, params, true)
		if err != nil {
			ch <- Chunk{Error: err}
			return
		}
		defer resp.Body.Close()

		var fullText strings.Builder
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue // blank separators and ": keep-alive" comments
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				ch <- Chunk{Content: fullText.String(), Done: true}
				return
			}

			var payload streamPayload
			if err := json.Unmarshal([]byte(data), &payload); err != nil {
				continue
			}
			if payload.Error != nil {
				ch <- Chunk{Content: fullText.String(), Error: newError(KindServerError, model, errors.New(payload.Error.Message))}
				return
			}
			for _, choice := range payload.Choices {
				if choice.Delta.Content != "" {
					fullText.WriteString(choice.Delta.Content)
					select {
					case ch <- Chunk{Text: choice.Delta.Content, Content: fullText.String()}:
					case <-callCtx.Done():
						ch <- Chunk{Content: fullText.String(), Error: classifyTransport(ctx, model, callCtx.Err())}
						return
					}
				}
			}
		}

		if err := scanner.Err(); err != nil {
			ch <- Chunk{Content: fullText.String(), Error: classifyTransport(ctx, model, err)}
			return
		}
		// Body ended without [DONE]: never report a truncated stream as complete.
		ch <- Chunk{Content: fullText.String(), Error: newError(KindConnection, model, io.ErrUnexpectedEOF)}
	}()

	return ch
}

// do issues the request and converts non-2xx responses into classified errors.
// parent is the caller's context; callCtx carries the per-call deadline.
func (e *HTTPEndpoint) do(parent, callCtx context.Context, model string, messages []Message, params Params, stream bool) (*http.Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Stream:      stream,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	})
	if err != nil {
		return nil, newError(KindInvalidRequest, model, fmt.Errorf("marshal: %w", err))
	}

	req, err := NewRequestWithBody(callCtx, http.MethodPost, e.baseURL+"/chat/completions", body)
	if err != nil {
		return nil, newError(KindInvalidRequest, model, fmt.Errorf("request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, classifyTransport(parent, model, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		kind := ClassifyStatus(resp.StatusCode)
		if kind == KindUnknown {
			kind = KindServerError
		}
		classified := &Error{
			Kind:       kind,
			Model:      model,
			StatusCode: resp.StatusCode,
			Err:        errors.New(errorMessage(raw, resp.Status)),
		}
		if kind == KindRateLimited {
			classified.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), e.now())
		}
		return nil, classified
	}

	return resp, nil
}

// classifyTransport maps a network-level failure. Cancellation by the caller
// is returned unclassified so it never counts against a circuit.
func classifyTransport(parent context.Context, model string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, model, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(KindTimeout, model, err)
	}
	return newError(KindConnection, model, err)
}

// parseRetryAfter accepts delta-seconds or an HTTP date
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func errorMessage(body []byte, status string) string {
	var wrapped struct {
		Error *apiError `json:"error"`
	}
	if json.Unmarshal(body, &wrapped) == nil && wrapped.Error != nil && wrapped.Error.Message != "" {
		return wrapped.Error.Message
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		if len(text) > 200 {
			text = text[:197] + "..."
		}
		return text
	}
	return status
}
