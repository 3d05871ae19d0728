// Package notify delivers ban and unban notices to other server instances.
// The ban list itself lives in the shared database; only notices travel here.
package notify

import (
	"context"
	"time"

	"bangate/internal/domain"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

type Action string

const (
	ActionBan   Action = "ban"
	ActionUnban Action = "unban"
)

type Event struct {
	ID     uuid.UUID   `json:"id"`
	Origin uuid.UUID   `json:"origin"`
	Action Action      `json:"action"`
	Kind   domain.Kind `json:"kind"`
	Key    string      `json:"key"`
	Issuer string      `json:"issuer"`
	Reason string      `json:"reason,omitempty"`
	At     time.Time   `json:"at"`
}

func NewEvent(action Action, target domain.Target, issuer, reason string) Event {
	return Event{
		ID:     uuid.New(),
		Action: action,
		Kind:   target.Kind,
		Key:    target.Key,
		Issuer: issuer,
		Reason: reason,
		At:     time.Now().UTC(),
	}
}

func (e Event) Target() domain.Target {
	return domain.Target{Kind: e.Kind, Key: e.Key}
}

type Notifier interface {
	Publish(ctx context.Context, event Event) error
}

// LogNotifier is used when no broker is configured.
type LogNotifier struct{}

func (LogNotifier) Publish(_ context.Context, event Event) error {
	log.Info("ban notice", "action", event.Action, "target", event.Target(), "issuer", event.Issuer, "reason", event.Reason)
	return nil
}
