// Package external holds clients for the collaborators the visit engine
// depends on but does not own: identity, feature provisioning, the client
// directory and notifications.
package external

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

var (
	ErrNotFound        = errors.New("external: not found")
	ErrUnauthenticated = errors.New("external: unauthenticated")
)

// HTTPConfig configures a resty-backed collaborator client.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Retries int
}

func newClient(cfg HTTPConfig) *resty.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		c.SetHeader("X-API-Key", cfg.APIKey)
	}
	return c
}

func checkResponse(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, ErrUnauthenticated)
	case resp.IsError():
		return fmt.Errorf("%s: unexpected status %d", op, code)
	}
	return nil
}
