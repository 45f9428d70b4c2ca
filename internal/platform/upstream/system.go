// Package upstream talks to the scheduling systems of record. Each system
// owns its wire format; callers only see visitmodel types.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"

	"github.com/caresync/visits/pkg/visitmodel"
)

var (
	// ErrNotFound is returned when the system has no such visit.
	ErrNotFound = errors.New("upstream: visit not found")
	// ErrRejected is returned when the system refuses a write (validation,
	// state conflict).
	ErrRejected = errors.New("upstream: write rejected")
	// ErrUnknownSystem is returned by Registry.Get for unregistered names.
	ErrUnknownSystem = errors.New("upstream: unknown system")
)

// System is one scheduling system of record.
type System interface {
	Name() string
	ListVisits(ctx context.Context, ident visitmodel.SystemIdentifier, from, to time.Time) ([]visitmodel.VisitRecord, error)
	GetVisit(ctx context.Context, ident visitmodel.SystemIdentifier, ref visitmodel.VisitRef) (*visitmodel.VisitRecord, error)
	CheckIn(ctx context.Context, ident visitmodel.SystemIdentifier, cmd visitmodel.CheckInCommand) (visitmodel.WriteResult, error)
	CheckOut(ctx context.Context, ident visitmodel.SystemIdentifier, cmd visitmodel.CheckOutCommand) (visitmodel.WriteResult, error)
	Reset(ctx context.Context, ident visitmodel.SystemIdentifier, cmd visitmodel.ResetCommand) (visitmodel.WriteResult, error)
	CreateNote(ctx context.Context, ident visitmodel.SystemIdentifier, note visitmodel.Note) error
	ListNotes(ctx context.Context, ident visitmodel.SystemIdentifier, ref visitmodel.VisitRef) ([]visitmodel.Note, error)
}

// IsNotFound reports whether err means the visit does not exist upstream.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Registry maps system names to implementations.
type Registry struct {
	systems map[string]System
}

func NewRegistry(systems ...System) *Registry {
	r := &Registry{systems: make(map[string]System, len(systems))}
	for _, s := range systems {
		r.systems[s.Name()] = s
	}
	return r
}

// Get returns the system registered under name.
func (r *Registry) Get(name string) (System, error) {
	s, ok := r.systems[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSystem, name)
	}
	return s, nil
}

// Names returns the registered system names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.systems))
	for n := range r.systems {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ClientConfig configures the resty client shared by the HTTP systems.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// Retries applies to reads only; writes are never retried here.
	Retries int
}

func newRestClient(cfg ClientConfig) *resty.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		c.SetAuthToken(cfg.APIKey)
	}
	return c
}

// readError maps a read response onto the package errors.
func readError(system, op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s %s: %w", system, op, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.IsError() {
		return fmt.Errorf("%s %s: unexpected status %d", system, op, resp.StatusCode())
	}
	return nil
}

// writeResult maps a write response. 202 means accepted for async processing.
func writeResult(system, op string, resp *resty.Response, err error) (visitmodel.WriteResult, error) {
	if err != nil {
		return visitmodel.WriteResult{}, fmt.Errorf("%s %s: %w", system, op, err)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusNotFound:
		return visitmodel.WriteResult{}, ErrNotFound
	case code == http.StatusBadRequest || code == http.StatusConflict || code == http.StatusUnprocessableEntity:
		return visitmodel.WriteResult{}, fmt.Errorf("%w: %s %s: status %d: %s", ErrRejected, system, op, code, truncate(resp.String(), 256))
	case resp.IsError():
		return visitmodel.WriteResult{}, fmt.Errorf("%s %s: unexpected status %d", system, op, code)
	case code == http.StatusAccepted:
		return visitmodel.WriteResult{IsTimedOut: true}, nil
	default:
		return visitmodel.WriteResult{}, nil
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}

func mustTime(s string) time.Time {
	if t := parseTime(s); t != nil {
		return *t
	}
	return time.Time{}
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
