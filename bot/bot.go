// Package bot is the Telegram transport: it long-polls for updates, converts
// messages into dispatch events and delivers replies, optionally with a
// one-time reply keyboard as a constrained-choice hint.
package bot

import (
	"context"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"readinglist-bot/dispatch"
	"readinglist-bot/engine"
)

const pollTimeoutSecs = 30

// Handler consumes one inbound message.
type Handler interface {
	Dispatch(ctx context.Context, in dispatch.Inbound)
}

// Bot wraps the Telegram API client.
type Bot struct {
	api *tgbotapi.BotAPI
}

// New authenticates against the Telegram API.
func New(token string) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &Bot{api: api}, nil
}

// Username returns the authenticated bot account name.
func (b *Bot) Username() string {
	return b.api.Self.UserName
}

// SendReply implements dispatch.ReplySender and reminder.Sender.
func (b *Bot) SendReply(ctx context.Context, telegramID int64, reply engine.Reply) error {
	msg := tgbotapi.NewMessage(telegramID, reply.Text)
	msg.ReplyMarkup = replyMarkup(reply.Keyboard)
	_, err := b.api.Send(msg)
	return err
}

// Poll consumes updates until ctx is cancelled, handing each text message to
// the handler. Each message runs in its own goroutine; per-user ordering is
// the dispatcher's job.
func (b *Bot) Poll(ctx context.Context, handler Handler) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeoutSecs

	updates := b.api.GetUpdatesChan(u)
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			in, ok := toInbound(update)
			if !ok {
				continue
			}
			slog.Debug("received message", "telegram_id", in.TelegramID)
			go handler.Dispatch(ctx, in)
		}
	}
}

// toInbound extracts the dispatch event from an update. Non-text updates and
// non-private chats are ignored.
func toInbound(update tgbotapi.Update) (dispatch.Inbound, bool) {
	msg := update.Message
	if msg == nil || msg.Text == "" || msg.Chat == nil || !msg.Chat.IsPrivate() {
		return dispatch.Inbound{}, false
	}

	in := dispatch.Inbound{
		TelegramID: msg.Chat.ID,
		Text:       msg.Text,
	}
	if msg.From != nil {
		in.FirstName = msg.From.FirstName
	}
	return in, true
}

// replyMarkup turns keyboard suggestions into a one-time reply keyboard, or
// removes a leftover keyboard when there are none.
func replyMarkup(keyboard []string) any {
	if len(keyboard) == 0 {
		return tgbotapi.NewRemoveKeyboard(false)
	}

	// One suggestion per row keeps long article ids and commands tappable.
	rows := make([][]tgbotapi.KeyboardButton, 0, len(keyboard))
	for _, choice := range keyboard {
		rows = append(rows, tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(choice)))
	}
	markup := tgbotapi.NewReplyKeyboard(rows...)
	markup.OneTimeKeyboard = true
	return markup
}
