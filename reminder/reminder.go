// Package reminder sends each onboarded user a short daily note with their
// unread-article count. It reads state only; no article is touched.
package reminder

import (
	"context"
	"fmt"
	"log/slog"

	"readinglist-bot/engine"
	"readinglist-bot/storage"
)

// Store lists users due a reminder.
type Store interface {
	ListUsersWithUnread(ctx context.Context) ([]storage.ReminderTarget, error)
}

// Sender delivers the reminder message.
type Sender interface {
	SendReply(ctx context.Context, telegramID int64, reply engine.Reply) error
}

// Runner assembles and sends the daily reminders.
type Runner struct {
	store  Store
	sender Sender
}

// NewRunner creates a reminder runner.
func NewRunner(store Store, sender Sender) *Runner {
	return &Runner{store: store, sender: sender}
}

// Run sends one reminder per user with unread articles. A failed send is
// logged and does not stop the run.
func (r *Runner) Run(ctx context.Context) error {
	targets, err := r.store.ListUsersWithUnread(ctx)
	if err != nil {
		return fmt.Errorf("list reminder targets: %w", err)
	}

	sent := 0
	for _, t := range targets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if t.UnreadCount == 0 {
			continue
		}
		reply := reminderReply(t)
		if err := r.sender.SendReply(ctx, t.TelegramID, reply); err != nil {
			slog.Warn("failed to send reminder", "telegram_id", t.TelegramID, "error", err)
			continue
		}
		sent++
	}

	slog.Info("reminder run finished", "targets", len(targets), "sent", sent)
	return nil
}

func reminderReply(t storage.ReminderTarget) engine.Reply {
	name := t.FirstName
	if name == "" {
		name = "there"
	}
	noun := "articles"
	if t.UnreadCount == 1 {
		noun = "article"
	}
	return engine.Reply{
		Text:     fmt.Sprintf("Hi %s! You have %d unread %s waiting.", name, t.UnreadCount, noun),
		Keyboard: []string{"show articles"},
	}
}
