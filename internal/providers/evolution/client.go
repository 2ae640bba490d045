package evolution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"wahub/internal/domain"
)

// Client talks to an Evolution-API-compatible gateway. Every request carries the
// account API key in the "apikey" header and a JSON body.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client

	// GetRetries bounds extra attempts for idempotent GETs. Mutating calls are never retried.
	GetRetries int
	Backoff    func(attempt int) time.Duration
}

// RejectionError is a well-formed provider response that reports a failure.
type RejectionError struct {
	Op      string
	Status  int
	Message string
	Body    []byte
}

func (e *RejectionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider rejected %s (http %d)", e.Op, e.Status)
	}
	return fmt.Sprintf("provider rejected %s (http %d): %s", e.Op, e.Status, e.Message)
}

func (e *RejectionError) Unwrap() error { return domain.ErrProviderRejected }

// errorEnvelope is the provider's error body, e.g.
// {"status":400,"error":"Bad Request","response":{"message":["..."]}}.
type errorEnvelope struct {
	Status   int             `json:"status"`
	Error    string          `json:"error"`
	Message  json.RawMessage `json:"message"`
	Response struct {
		Message json.RawMessage `json:"message"`
	} `json:"response"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, []byte, error) {
	op := method + " " + path
	if strings.TrimSpace(c.BaseURL) == "" {
		return 0, nil, fmt.Errorf("%w: base url is empty", domain.ErrConfigurationMissing)
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode %s: %w", op, err)
		}
		payload = b
	}

	attempts := 1
	if method == http.MethodGet && c.GetRetries > 0 {
		attempts += c.GetRetries
	}

	var (
		status int
		raw    []byte
		err    error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return status, raw, fmt.Errorf("%w: %s: %w", domain.ErrTransport, op, ctx.Err())
			case <-time.After(c.backoff(attempt - 1)):
			}
		}
		status, raw, err = c.roundTrip(ctx, method, path, payload)
		if !ShouldRetry(err, status) {
			break
		}
	}
	if err != nil {
		return status, raw, fmt.Errorf("%w: %s: %w", domain.ErrTransport, op, err)
	}

	if status < 200 || status >= 300 {
		if !json.Valid(raw) && status >= 500 {
			return status, raw, fmt.Errorf("%w: %s: http %d", domain.ErrTransport, op, status)
		}
		return status, raw, &RejectionError{Op: op, Status: status, Message: providerMessage(raw), Body: raw}
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return status, raw, nil
	}
	if !json.Valid(raw) {
		return status, raw, fmt.Errorf("%w: %s: response is not json", domain.ErrTransport, op)
	}

	// 2xx with an error-shaped body still counts as a rejection.
	var env errorEnvelope
	if json.Unmarshal(raw, &env) == nil && env.Status >= 400 && env.Error != "" {
		return status, raw, &RejectionError{Op: op, Status: env.Status, Message: providerMessage(raw), Body: raw}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return status, raw, fmt.Errorf("%w: %s: decode: %w", domain.ErrTransport, op, err)
		}
	}
	return status, raw, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")

	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("apikey", c.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, b, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) backoff(attempt int) time.Duration {
	if c.Backoff != nil {
		return c.Backoff(attempt)
	}
	return Backoff(attempt)
}

// providerMessage flattens the provider's message fields into one readable string.
func providerMessage(raw []byte) string {
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return strings.TrimSpace(string(raw))
	}
	var parts []string
	for _, m := range []json.RawMessage{env.Response.Message, env.Message} {
		parts = append(parts, flattenMessage(m)...)
	}
	if len(parts) == 0 && env.Error != "" {
		parts = append(parts, env.Error)
	}
	return strings.Join(parts, "; ")
}

func flattenMessage(m json.RawMessage) []string {
	if len(m) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(m, &v); err != nil {
		return nil
	}
	var out []string
	var walk func(any)
	walk = func(x any) {
		switch t := x.(type) {
		case string:
			if t != "" {
				out = append(out, t)
			}
		case []any:
			for _, e := range t {
				walk(e)
			}
		case map[string]any:
			if s, ok := t["message"]; ok {
				walk(s)
			} else if b, err := json.Marshal(t); err == nil {
				out = append(out, string(b))
			}
		case float64, bool:
			out = append(out, fmt.Sprint(t))
		}
	}
	walk(v)
	return out
}

// ShouldRetry reports whether a GET failure is transient.
func ShouldRetry(err error, httpStatus int) bool {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return true
		}
		return false
	}
	if httpStatus == http.StatusTooManyRequests || httpStatus == http.StatusRequestTimeout {
		return true
	}
	return httpStatus >= 500 && httpStatus <= 599
}

func Backoff(attempt int) time.Duration {
	// 200ms, 600ms, 1400ms
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}
