package external

import (
	"context"
	"sync"

	"github.com/go-resty/resty/v2"
)

// ClientRecord is the care recipient as known to the client directory.
type ClientRecord struct {
	ClientID  string  `json:"clientId"`
	TenantID  string  `json:"tenantId"`
	PsID      string  `json:"psId,omitempty"`
	FirstName string  `json:"firstName"`
	LastName  string  `json:"lastName"`
	Address   string  `json:"address,omitempty"`
	Phone     string  `json:"phone,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

type ClientDirectory interface {
	GetClientDetails(ctx context.Context, clientID, tenantID string) (*ClientRecord, error)
}

type HTTPClientDirectory struct {
	client *resty.Client
}

func NewHTTPClientDirectory(cfg HTTPConfig) *HTTPClientDirectory {
	return &HTTPClientDirectory{client: newClient(cfg)}
}

func (d *HTTPClientDirectory) GetClientDetails(ctx context.Context, clientID, tenantID string) (*ClientRecord, error) {
	var out ClientRecord
	resp, err := d.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"tenant": tenantID, "client": clientID}).
		SetResult(&out).
		Get("/v1/tenants/{tenant}/clients/{client}")
	if err := checkResponse("client details", resp, err); err != nil {
		return nil, err
	}
	if out.TenantID == "" {
		out.TenantID = tenantID
	}
	return &out, nil
}

// MemoryClientDirectory is a map-backed directory for tests and development.
type MemoryClientDirectory struct {
	mu      sync.RWMutex
	clients map[string]ClientRecord
}

func NewMemoryClientDirectory(records ...ClientRecord) *MemoryClientDirectory {
	d := &MemoryClientDirectory{clients: make(map[string]ClientRecord)}
	for _, r := range records {
		d.Put(r)
	}
	return d
}

func (d *MemoryClientDirectory) Put(r ClientRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients[r.ClientID+":"+r.TenantID] = r
}

func (d *MemoryClientDirectory) GetClientDetails(ctx context.Context, clientID, tenantID string) (*ClientRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.clients[clientID+":"+tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}
