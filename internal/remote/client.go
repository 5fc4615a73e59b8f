package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTimeout    = 15 * time.Second
	defaultHealthPath = "/health"
	maxResponseBytes  = 8 << 20
	maxErrorBodyBytes = 512
	// HeaderIdempotencyKey carries the client reference of a create.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderDeviceID identifies the device issuing the request.
	HeaderDeviceID = "X-Device-ID"
)

var (
	// ErrNetwork classifies every failed exchange with the remote: transport
	// errors, timeouts and non-2xx responses alike.
	ErrNetwork = errors.New("remote: network error")
	// ErrNoEndpoint is returned when the remote does not serve an operation
	// for a table.
	ErrNoEndpoint = errors.New("remote: no endpoint")
	// ErrMissingBaseURL is returned by New without a base URL.
	ErrMissingBaseURL = errors.New("remote: base url is required")
	noOpLogger        = zap.NewNop()
)

// Error describes a failed request.
type Error struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("remote: %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("remote: %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes every request failure match ErrNetwork.
func (e *Error) Is(target error) bool {
	return target == ErrNetwork
}

// Timeout reports whether the request ran out of time.
func (e *Error) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var timeout interface{ Timeout() bool }
	return errors.As(e.Err, &timeout) && timeout.Timeout()
}

// TokenSource supplies bearer tokens for outgoing requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config wires a Client.
type Config struct {
	BaseURL    string
	UserID     string
	DeviceID   string
	Timeout    time.Duration
	HealthPath string
	Endpoints  map[string]Endpoint
	Tokens     TokenSource
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the remote health service.
type Client struct {
	baseURL    string
	userID     string
	deviceID   string
	timeout    time.Duration
	healthPath string
	endpoints  map[string]Endpoint
	tokens     TokenSource
	http       *http.Client
	logger     *zap.Logger
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, ErrMissingBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	healthPath := cfg.HealthPath
	if healthPath == "" {
		healthPath = defaultHealthPath
	}
	endpoints := cfg.Endpoints
	if endpoints == nil {
		endpoints = DefaultEndpoints()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Client{
		baseURL:    base,
		userID:     cfg.UserID,
		deviceID:   cfg.DeviceID,
		timeout:    timeout,
		healthPath: healthPath,
		endpoints:  endpoints,
		tokens:     cfg.Tokens,
		http:       httpClient,
		logger:     logger,
	}, nil
}

// CanRead reports whether the table has a read endpoint.
func (c *Client) CanRead(table string) bool {
	return c.endpoints[table].Read != ""
}

// CanWrite reports whether the table has a write endpoint.
func (c *Client) CanWrite(table string) bool {
	return c.endpoints[table].Write != ""
}

// CanDelete reports whether the table has a delete endpoint.
func (c *Client) CanDelete(table string) bool {
	return c.endpoints[table].Delete != ""
}

// Ping checks that the remote answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, c.healthPath, nil, nil, nil)
	return err
}

// Fetch returns the remote records of a table changed since the given
// instant, or all of them when since is nil.
func (c *Client) Fetch(ctx context.Context, table string, since *time.Time) ([]map[string]any, error) {
	endpoint := c.endpoints[table]
	if endpoint.Read == "" {
		return nil, fmt.Errorf("%w: read %s", ErrNoEndpoint, table)
	}
	query := url.Values{}
	if since != nil {
		query.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	body, err := c.do(ctx, http.MethodGet, expandUser(endpoint.Read, c.userID), query, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList(body)
}

// Create posts a new record and returns the remote representation.
func (c *Client) Create(ctx context.Context, table string, payload map[string]any, idempotencyKey string) (map[string]any, error) {
	endpoint := c.endpoints[table]
	if endpoint.Write == "" {
		return nil, fmt.Errorf("%w: write %s", ErrNoEndpoint, table)
	}
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers[HeaderIdempotencyKey] = idempotencyKey
	}
	body, err := c.do(ctx, http.MethodPost, endpoint.Write, c.ownerQuery(table), payload, headers)
	if err != nil {
		return nil, err
	}
	return decodeObject(body)
}

// Update replaces the remote record with the given server id.
func (c *Client) Update(ctx context.Context, table string, serverID int64, payload map[string]any) (map[string]any, error) {
	endpoint := c.endpoints[table]
	if endpoint.Write == "" {
		return nil, fmt.Errorf("%w: write %s", ErrNoEndpoint, table)
	}
	body, err := c.do(ctx, http.MethodPut, joinID(endpoint.Write, serverID), c.ownerQuery(table), payload, nil)
	if err != nil {
		return nil, err
	}
	return decodeObject(body)
}

// Delete removes the remote record with the given server id.
func (c *Client) Delete(ctx context.Context, table string, serverID int64) error {
	endpoint := c.endpoints[table]
	if endpoint.Delete == "" {
		return fmt.Errorf("%w: delete %s", ErrNoEndpoint, table)
	}
	_, err := c.do(ctx, http.MethodDelete, joinID(endpoint.Delete, serverID), nil, nil, nil)
	return err
}

func (c *Client) ownerQuery(table string) url.Values {
	if table == "users" || c.userID == "" {
		return nil
	}
	return url.Values{"user_id": []string{c.userID}}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any, headers map[string]string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("remote: encode body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("remote: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.deviceID != "" {
		req.Header.Set(HeaderDeviceID, c.deviceID)
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("remote: token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("remote request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return nil, &Error{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Method: method, Path: path, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > maxErrorBodyBytes {
			snippet = snippet[:maxErrorBodyBytes]
		}
		return nil, &Error{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(snippet)}
	}
	return body, nil
}

func decodeList(body []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '{' {
		envelope, err := decodeObject(trimmed)
		if err != nil {
			return nil, err
		}
		for _, key := range []string{"data", "items", "results"} {
			if raw, ok := envelope[key]; ok {
				return listFromAny(raw)
			}
		}
		return []map[string]any{envelope}, nil
	}
	var items []map[string]any
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	if err := decoder.Decode(&items); err != nil {
		return nil, fmt.Errorf("remote: decode list: %w", err)
	}
	return items, nil
}

func decodeObject(body []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}
	var object map[string]any
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	if err := decoder.Decode(&object); err != nil {
		return nil, fmt.Errorf("remote: decode object: %w", err)
	}
	return object, nil
}

func listFromAny(raw any) ([]map[string]any, error) {
	values, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("remote: expected list, got %T", raw)
	}
	items := make([]map[string]any, 0, len(values))
	for _, value := range values {
		item, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("remote: expected object, got %T", value)
		}
		items = append(items, item)
	}
	return items, nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// IntField reads an integer field of a decoded remote object.
func IntField(object map[string]any, key string) (int64, bool) {
	switch value := object[key].(type) {
	case json.Number:
		parsed, err := value.Int64()
		if err != nil {
			asFloat, ferr := value.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(asFloat), true
		}
		return parsed, true
	case float64:
		return int64(value), true
	case int64:
		return value, true
	case int:
		return int64(value), true
	case string:
		parsed, err := strconv.ParseInt(value, 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

// TimeField reads a timestamp field of a decoded remote object.
func TimeField(object map[string]any, key string) (time.Time, bool) {
	raw, ok := object[key].(string)
	if !ok || raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}
