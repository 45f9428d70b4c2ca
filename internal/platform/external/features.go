package external

import (
	"context"
	"sync"

	"github.com/go-resty/resty/v2"
)

// Branch-level feature flags.
const (
	FlagEnableAlayacare    = "enableAlayacare"
	FlagMultipleCheckin    = "canDoMultipleCheckin"
	FlagMinuteWindow       = "minuteCheckinWindow"
	FlagShortCheckinWindow = "shortCheckinWindow"
)

type FeatureProvisioner interface {
	GetFeatureProvision(ctx context.Context, branchID, flag, jobLevel string) (bool, error)
}

// HTTPFeatures reads flags from the provisioning service.
type HTTPFeatures struct {
	client *resty.Client
}

func NewHTTPFeatures(cfg HTTPConfig) *HTTPFeatures {
	return &HTTPFeatures{client: newClient(cfg)}
}

func (f *HTTPFeatures) GetFeatureProvision(ctx context.Context, branchID, flag, jobLevel string) (bool, error) {
	var out struct {
		Enabled bool `json:"enabled"`
	}
	resp, err := f.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"branch": branchID, "flag": flag}).
		SetQueryParam("jobLevel", jobLevel).
		SetResult(&out).
		Get("/v1/branches/{branch}/features/{flag}")
	if err := checkResponse("feature provision", resp, err); err != nil {
		return false, err
	}
	return out.Enabled, nil
}

// StaticFeatures answers from a fixed table. Keys are "flag" for every branch
// or "branch:flag" for one branch; the branch-specific entry wins.
type StaticFeatures struct {
	mu    sync.RWMutex
	flags map[string]bool
}

func NewStaticFeatures(flags map[string]bool) *StaticFeatures {
	m := make(map[string]bool, len(flags))
	for k, v := range flags {
		m[k] = v
	}
	return &StaticFeatures{flags: m}
}

// Set changes a flag at runtime.
func (f *StaticFeatures) Set(key string, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[key] = enabled
}

func (f *StaticFeatures) GetFeatureProvision(ctx context.Context, branchID, flag, jobLevel string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if v, ok := f.flags[branchID+":"+flag]; ok {
		return v, nil
	}
	return f.flags[flag], nil
}
