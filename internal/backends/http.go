package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/taskgate/internal/execution"
)

const (
	executePath    = "/v1/execute"
	maxErrorBody   = 64 << 10
	maxResultBytes = 16 << 20
)

// HTTPConfig configures an HTTPBackend.
type HTTPConfig struct {
	Name    execution.Backend
	BaseURL string
	// Token, when set, is sent as a bearer credential.
	Token  string
	Client *http.Client
	Logger *slog.Logger
}

// HTTPBackend posts attempts to {BaseURL}/v1/execute.
type HTTPBackend struct {
	name    execution.Backend
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPBackend creates an HTTP backend client.
func NewHTTPBackend(cfg HTTPConfig) (*HTTPBackend, error) {
	if !cfg.Name.Valid() {
		return nil, fmt.Errorf("unknown backend %q", cfg.Name)
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("%s backend: base url is required", cfg.Name)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPBackend{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  client,
		logger:  logger.With("backend", string(cfg.Name)),
	}, nil
}

// Name returns the backend identifier.
func (b *HTTPBackend) Name() execution.Backend {
	return b.name
}

// Execute sends one attempt and normalizes the response.
func (b *HTTPBackend) Execute(ctx context.Context, req Request) (*execution.Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, execution.Wrap(execution.CodeInputValidation, "encode request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+executePath, bytes.NewReader(body))
	if err != nil {
		return nil, execution.Wrap(execution.CodeInternalUnknown, "build backend request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.Context.IdempotencyKey)
	if b.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, execution.Normalize(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, b.errorFromResponse(resp)
	}

	var result execution.Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResultBytes)).Decode(&result); err != nil {
		return nil, execution.Wrap(execution.CodeExternalAPI, "decode backend result", err)
	}
	if result.Error != nil {
		return &result, result.Error
	}
	return &result, nil
}

// errorBody accepts both {"error": {...}} and a bare {"code": ...} shape.
type errorBody struct {
	Error        *execution.Error `json:"error"`
	Code         execution.Code   `json:"code"`
	Message      string           `json:"message"`
	RetryAfterMs int64            `json:"retryAfterMs"`
}

func (b *HTTPBackend) errorFromResponse(resp *http.Response) *execution.Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var parsed errorBody
	code, message, retryAfterMs := execution.Code(""), "", int64(0)
	if err := json.Unmarshal(raw, &parsed); err == nil {
		if parsed.Error != nil {
			code, message, retryAfterMs = parsed.Error.Code, parsed.Error.Message, parsed.Error.RetryAfterMs
		} else {
			code, message, retryAfterMs = parsed.Code, parsed.Message, parsed.RetryAfterMs
		}
	}
	if message == "" {
		message = fmt.Sprintf("%s backend returned %d", b.name, resp.StatusCode)
	}

	e := execution.FromStatus(resp.StatusCode, code, message)
	if retryAfterMs > 0 {
		e.RetryAfterMs = retryAfterMs
	} else if hint := parseRetryAfter(resp.Header.Get("Retry-After")); hint > 0 {
		e.RetryAfterMs = hint.Milliseconds()
	}
	b.logger.Debug("backend error response", "status", resp.StatusCode, "code", e.Code)
	return e
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
