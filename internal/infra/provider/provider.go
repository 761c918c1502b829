// Package provider holds the outbound adapters for the market-data, search
// and LLM services. Every adapter routes its calls through a
// depclient.Client, so caching, circuit breaking, rate limiting and retries
// are applied uniformly.
package provider

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
)

// ErrNotFound is returned when the upstream service has no matching entity.
var ErrNotFound = errors.New("not found")

// Config holds connection settings shared by the adapters.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// StatusError is a non-2xx response from an upstream service. It implements
// retry.StatusCoder so client errors are not retried.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s api error: status %d", e.Service, e.Code)
	}
	return fmt.Sprintf("%s api error: status %d: %s", e.Service, e.Code, e.Body)
}

// StatusCode returns the HTTP status.
func (e *StatusError) StatusCode() int {
	return e.Code
}

func newRestyClient(baseURL, fallback string, timeout time.Duration) *resty.Client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = fallback
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal).
		SetHeader("Accept", "application/json")
}

func statusError(service string, r *resty.Response) error {
	return &StatusError{Service: service, Code: r.StatusCode(), Body: clip(r.String(), 300)}
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}
