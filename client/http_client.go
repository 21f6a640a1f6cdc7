package client

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"PocketLM/internal/bench"
	"PocketLM/internal/logging"
	"PocketLM/internal/runtime"
)

// GenerateRequest is the body of POST /v1/generate.
type GenerateRequest struct {
	Prompt        string  `json:"prompt"`
	Stream        bool    `json:"stream,omitempty"`
	MaxTokens     int     `json:"max_tokens,omitempty"`
	ParseSpecial  bool    `json:"parse_special,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
	TopK          int     `json:"top_k,omitempty"`
	TopP          float64 `json:"top_p,omitempty"`
	MinP          float64 `json:"min_p,omitempty"`
	RepeatPenalty float64 `json:"repeat_penalty,omitempty"`
	RepeatLastN   int     `json:"repeat_last_n,omitempty"`
	Seed          uint32  `json:"seed,omitempty"`
}

// GenerateResponse is a blocking answer or one server-sent event.
type GenerateResponse struct {
	Text   string `json:"text,omitempty"`
	Token  string `json:"token,omitempty"`
	Finish string `json:"finish,omitempty"`
	Stats  *Stats `json:"stats,omitempty"`
	Done   bool   `json:"done"`
	Error  string `json:"error,omitempty"`
}

// Stats are the timing figures of one generation.
type Stats struct {
	PromptTokens    int     `json:"prompt_tokens"`
	GeneratedTokens int     `json:"generated_tokens"`
	TTFTMillis      float64 `json:"ttft_ms"`
	DurationMillis  float64 `json:"duration_ms"`
	PromptTPS       float64 `json:"prompt_tps"`
	GenerationTPS   float64 `json:"generation_tps"`
	DecodeFailures  int     `json:"decode_failures"`
}

// BenchRequest selects the benchmark shape; zero fields use server defaults.
type BenchRequest struct {
	PP int `json:"pp,omitempty"`
	TG int `json:"tg,omitempty"`
	PL int `json:"pl,omitempty"`
	NR int `json:"nr,omitempty"`
}

// Health is the GET /health answer.
type Health struct {
	Status  string `json:"status"`
	Backend string `json:"backend,omitempty"`
	Uptime  string `json:"uptime"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// TokenCallback receives each streamed text increment.
type TokenCallback func(token string) error

// HTTPClient talks to the PocketLM HTTP API.
type HTTPClient struct {
	BaseURL    string
	httpClient *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return NewHTTPClientWithTimeout(baseURL, 60*time.Second)
}

// NewHTTPClientWithTimeout bounds non-streaming requests by timeout.
// Streaming requests are bounded only by their context.
func NewHTTPClientWithTimeout(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Health calls GET /health.
func (c *HTTPClient) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Info calls GET /v1/info.
func (c *HTTPClient) Info(ctx context.Context) (runtime.Info, error) {
	var out runtime.Info
	err := c.do(ctx, http.MethodGet, "/v1/info", nil, &out)
	return out, err
}

// Generate runs a blocking generation. A generation that failed after it
// started is reported through the returned error, with the partial response.
func (c *HTTPClient) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	req.Stream = false
	var out GenerateResponse
	if err := c.do(ctx, http.MethodPost, "/v1/generate", req, &out); err != nil {
		return out, err
	}
	if out.Error != "" {
		return out, fmt.Errorf("generation failed: %s", out.Error)
	}
	return out, nil
}

// Bench calls POST /v1/bench.
func (c *HTTPClient) Bench(ctx context.Context, req BenchRequest) (bench.Report, error) {
	var out bench.Report
	err := c.do(ctx, http.MethodPost, "/v1/bench", req, &out)
	return out, err
}

// GenerateStream runs a streaming generation, calling cb for each token.
// It returns the final event, which carries the finish reason and stats.
func (c *HTTPClient) GenerateStream(ctx context.Context, req GenerateRequest, cb TokenCallback) (GenerateResponse, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	// No client timeout: generation length is open-ended.
	resp, err := (&http.Client{Transport: c.httpClient.Transport}).Do(httpReq)
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return GenerateResponse{}, statusError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev GenerateResponse
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			logging.L().Debug().Err(err).Str("event", data).Msg("skipping malformed event")
			continue
		}
		if ev.Done {
			if ev.Error != "" {
				return ev, fmt.Errorf("generation failed: %s", ev.Error)
			}
			return ev, nil
		}
		if err := cb(ev.Token); err != nil {
			return ev, err
		}
	}
	if err := scanner.Err(); err != nil {
		return GenerateResponse{}, err
	}
	return GenerateResponse{}, io.ErrUnexpectedEOF
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// StatusError is a non-200 answer from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var er errorBody
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		return &StatusError{Code: resp.StatusCode, Message: er.Error}
	}
	return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}
