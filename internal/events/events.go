package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the session manager.
const (
	TypeUserRegistered   = "user.registered"
	TypeLoginSucceeded   = "login.succeeded"
	TypeLoginFailed      = "login.failed"
	TypeAccountLocked    = "account.locked"
	TypeSessionRefreshed = "session.refreshed"
	TypeLogout           = "logout"
	TypeFederatedSignIn  = "federated.signin"
)

// Event is the broker-agnostic auth event payload.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	OccurredAt time.Time         `json:"occurred_at"`
	TenantID   int64             `json:"tenant_id,omitempty"`
	UserID     int64             `json:"user_id,omitempty"`
	Email      string            `json:"email,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
}

// Backend defines the broker-agnostic publish operations used by the app.
type Backend interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Close() error
}

// Publisher emits auth events to a single channel. Publishing is
// best-effort: failures are logged and never surfaced to the caller,
// since an event broker outage must not block logins.
type Publisher struct {
	backend Backend
	channel string
	logger  *slog.Logger
}

// NewPublisher constructs a Publisher for the provided backend.
func NewPublisher(backend Backend, channel string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{backend: backend, channel: channel, logger: logger}
}

// Emit publishes an event. A nil Publisher is a no-op, so callers never
// need to guard for a disabled broker.
func (p *Publisher) Emit(ctx context.Context, event Event) {
	if p == nil || p.backend == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("marshal auth event", slog.String("type", event.Type), slog.String("error", err.Error()))
		return
	}
	if _, err := p.backend.Publish(ctx, p.channel, data, map[string]string{"type": event.Type}); err != nil {
		p.logger.Error("publish auth event", slog.String("type", event.Type), slog.String("error", err.Error()))
	}
}

// Close closes the underlying backend.
func (p *Publisher) Close() error {
	if p == nil || p.backend == nil {
		return nil
	}
	return p.backend.Close()
}
