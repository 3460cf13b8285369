// Package aiops provides a client for the external incident detail service.
package aiops

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bissquit/incident-archive/internal/domain"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultRateLimit = 20
	defaultBurst     = 5
	maxBodySize      = 8 << 20
)

// Config holds client configuration.
type Config struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	RateLimit float64 // requests per second
	Burst     int
}

// IncidentDetail is the incident record kept by the external service.
type IncidentDetail struct {
	IncidentID int64
	Feedback   domain.JSONMap
	Raw        domain.JSONMap
}

// Client calls the incident detail service.
type Client struct {
	config     Config
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new client.
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, errors.New("aiops client: base url is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("aiops client: parse base url: %w", err)
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.RateLimit <= 0 {
		config.RateLimit = defaultRateLimit
	}
	if config.Burst <= 0 {
		config.Burst = defaultBurst
	}

	slog.Info("aiops client configured",
		"base_url", config.BaseURL,
		"timeout", config.Timeout,
		"rate_limit", config.RateLimit,
	)

	return &Client{
		config:  config,
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.Burst),
	}, nil
}

// GetIncidentSnapshot returns the raw content of a snapshot.
func (c *Client) GetIncidentSnapshot(ctx context.Context, snapshotID string) (domain.JSONMap, error) {
	path := "/incidents/snapshots/" + url.PathEscape(snapshotID)

	var content domain.JSONMap
	if err := c.call(ctx, "get_incident_snapshot", http.MethodGet, path, nil, &content); err != nil {
		return nil, err
	}
	if content == nil {
		content = domain.JSONMap{}
	}
	return content, nil
}

// GetIncidentDetail returns the external record of an incident, including its feedback.
func (c *Client) GetIncidentDetail(ctx context.Context, incidentID int64) (*IncidentDetail, error) {
	path := "/incidents/" + strconv.FormatInt(incidentID, 10)

	var raw domain.JSONMap
	if err := c.call(ctx, "get_incident_detail", http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		raw = domain.JSONMap{}
	}

	feedback := domain.JSONMap{}
	switch fb := raw["feedback"].(type) {
	case map[string]any:
		feedback = domain.JSONMap(fb)
	case nil:
	default:
		return nil, fmt.Errorf("%w: feedback is %T", ErrMalformedResponse, fb)
	}

	return &IncidentDetail{
		IncidentID: incidentID,
		Feedback:   feedback,
		Raw:        raw,
	}, nil
}

// UpdateIncidentDetail replaces the feedback of an incident.
func (c *Client) UpdateIncidentDetail(ctx context.Context, incidentID int64, feedback domain.JSONMap) error {
	path := "/incidents/" + strconv.FormatInt(incidentID, 10)
	body := map[string]any{"feedback": feedback}
	return c.call(ctx, "update_incident_detail", http.MethodPatch, path, body, nil)
}

// envelope is the response wrapper used by every endpoint.
type envelope struct {
	Result  bool            `json:"result"`
	Code    any             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) call(ctx context.Context, operation, method, path string, in, out any) error {
	start := time.Now()
	status := "error"
	defer func() {
		observeCall(operation, status, time.Since(start))
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limit wait: %w", operation, err)
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", operation, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", operation, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Operation: operation, Message: fmt.Sprintf("send request: %v", err), Retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()
	status = strconv.Itoa(resp.StatusCode)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return &APIError{Operation: operation, Status: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err), Retryable: true}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(operation, resp.StatusCode, raw)
	}

	var env envelope
	if err := decode(raw, &env); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, operation, err)
	}
	if !env.Result {
		return &APIError{
			Operation: operation,
			Status:    resp.StatusCode,
			Code:      codeString(env.Code),
			Message:   env.Message,
		}
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := decode(env.Data, out); err != nil {
		return fmt.Errorf("%w: %s: data: %v", ErrMalformedResponse, operation, err)
	}
	return nil
}

func statusError(operation string, status int, body []byte) error {
	apiErr := &APIError{
		Operation: operation,
		Status:    status,
		Message:   strings.TrimSpace(string(body)),
		Retryable: status == http.StatusTooManyRequests || status >= 500,
	}

	var env envelope
	if decode(body, &env) == nil && env.Message != "" {
		apiErr.Code = codeString(env.Code)
		apiErr.Message = env.Message
	}
	if len(apiErr.Message) > 512 {
		apiErr.Message = apiErr.Message[:512]
	}
	return apiErr
}

// decode keeps numbers as json.Number so large identifiers survive.
func decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func codeString(code any) string {
	if code == nil {
		return ""
	}
	return fmt.Sprint(code)
}
