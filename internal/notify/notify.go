// Package notify delivers role-addressed messages to operators.
// Delivery is best effort: callers log failures and never fail a run on them.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jcheng510/ai-erp-system-sub003/internal/store"
)

// Message is one notification addressed to a set of roles.
type Message struct {
	Title     string
	Message   string
	Roles     []string
	SendEmail bool
	ActionURL string
}

// Notifier delivers a message to its target roles.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, msg Message) error

func (f NotifierFunc) Notify(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Nop discards every message.
var Nop Notifier = NotifierFunc(func(context.Context, Message) error { return nil })

// StoreNotifier records in-app notifications in the notifications table.
type StoreNotifier struct {
	store store.Store
	now   func() time.Time
}

// NewStoreNotifier creates an in-app notifier backed by s.
func NewStoreNotifier(s store.Store) *StoreNotifier {
	return &StoreNotifier{store: s, now: func() time.Time { return time.Now().UTC() }}
}

func (n *StoreNotifier) Notify(ctx context.Context, msg Message) error {
	return n.store.CreateNotification(ctx, &store.Notification{
		ID:        uuid.New().String(),
		Title:     msg.Title,
		Message:   msg.Message,
		Roles:     msg.Roles,
		ActionURL: msg.ActionURL,
		SendEmail: msg.SendEmail,
		CreatedAt: n.now(),
	})
}

// Fanout delivers to every sink. All sinks are attempted; their errors are
// logged and joined.
type Fanout struct {
	sinks  []Notifier
	logger *slog.Logger
}

// NewFanout creates a notifier that dispatches to each non-nil sink.
func NewFanout(logger *slog.Logger, sinks ...Notifier) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fanout{logger: logger}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *Fanout) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Notify(ctx, msg); err != nil {
			f.logger.WarnContext(ctx, "notification delivery failed",
				slog.String("title", msg.Title),
				slog.Any("roles", msg.Roles),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Deliver sends msg through n and swallows the error after logging it.
// A nil notifier is treated as Nop.
func Deliver(ctx context.Context, n Notifier, logger *slog.Logger, msg Message) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, msg); err != nil && logger != nil {
		logger.WarnContext(ctx, "notification dropped",
			slog.String("title", msg.Title),
			slog.String("error", err.Error()),
		)
	}
}
