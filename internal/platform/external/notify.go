package external

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// Notification is a message to branch staff about a visit.
type Notification struct {
	ID         string            `json:"id"`
	BranchID   string            `json:"branchId"`
	EmployeeID string            `json:"employeeId"`
	VisitID    string            `json:"visitId,omitempty"`
	TenantID   string            `json:"tenantId,omitempty"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

type Notifier interface {
	SendNotification(ctx context.Context, n Notification) (string, error)
}

// HTTPNotifier posts to the notification service. The notification id doubles
// as an idempotency key so a retried send is delivered once.
type HTTPNotifier struct {
	client *resty.Client
}

func NewHTTPNotifier(cfg HTTPConfig) *HTTPNotifier {
	return &HTTPNotifier{client: newClient(cfg)}
}

func (n *HTTPNotifier) SendNotification(ctx context.Context, msg Notification) (string, error) {
	prepare(&msg)
	var out struct {
		ID string `json:"id"`
	}
	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", msg.ID).
		SetBody(msg).
		SetResult(&out).
		Post("/v1/notifications")
	if err := checkResponse("send notification", resp, err); err != nil {
		return "", err
	}
	if out.ID == "" {
		out.ID = msg.ID
	}
	return out.ID, nil
}

func prepare(n *Notification) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
}

// MemoryNotifier records notifications instead of sending them.
type MemoryNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func NewMemoryNotifier() *MemoryNotifier { return &MemoryNotifier{} }

// Fail makes subsequent sends return err. Pass nil to clear.
func (n *MemoryNotifier) Fail(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func (n *MemoryNotifier) SendNotification(ctx context.Context, msg Notification) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return "", fmt.Errorf("send notification: %w", n.err)
	}
	prepare(&msg)
	n.sent = append(n.sent, msg)
	return msg.ID, nil
}

// Sent returns a copy of the recorded notifications.
func (n *MemoryNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}
