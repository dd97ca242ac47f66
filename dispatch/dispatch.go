// Package dispatch bridges the pure engine to storage and the transport. One
// inbound message maps to one Dispatch call: load the user's snapshot, ask
// the engine for a decision, apply the requested mutation together with the
// context persist, send the reply. Messages for the same user are serialized;
// different users proceed in parallel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"readinglist-bot/engine"
	"readinglist-bot/storage"
)

const defaultStoreTimeout = 5 * time.Second

// failureReply is the generic recoverable-failure answer; the state is held
// so the user can retry the same input.
var failureReply = engine.Reply{Text: "Something went wrong on my side, please try that again."}

// Inbound is one message event delivered by the transport.
type Inbound struct {
	TelegramID int64
	FirstName  string
	Text       string
}

// Store is the persistence surface the dispatcher needs. *storage.DB
// satisfies it.
type Store interface {
	GetUserByTelegramID(ctx context.Context, telegramID int64) (*storage.User, error)
	CreateUser(ctx context.Context, telegramID int64, firstName string, doc map[string]any) (*storage.User, error)
	MergeUserContext(ctx context.Context, userID int64, patch map[string]any) error
	GetSettings(ctx context.Context, userID int64) (*storage.Settings, error)
	CreateSettings(ctx context.Context, s *storage.Settings, patch map[string]any) error
	CreateArticle(ctx context.Context, userID int64, text string, patch map[string]any) (*storage.Article, error)
	ListNewArticles(ctx context.Context, userID int64) ([]storage.Article, error)
	MarkArticleRead(ctx context.Context, articleID, userID int64, patch map[string]any) error
}

// ReplySender delivers the outbound reply.
type ReplySender interface {
	SendReply(ctx context.Context, telegramID int64, reply engine.Reply) error
}

// Previewer fetches a readable excerpt for link articles. Optional.
type Previewer interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

// Dispatcher routes inbound messages through the engine and applies the
// outcome.
type Dispatcher struct {
	store        Store
	eng          *engine.Engine
	sender       ReplySender
	preview      Previewer
	storeTimeout time.Duration

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithStoreTimeout bounds every storage call.
func WithStoreTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		dp.storeTimeout = d
	}
}

// WithPreviewer enables readable excerpts when a viewed article is a link.
func WithPreviewer(p Previewer) Option {
	return func(dp *Dispatcher) {
		dp.preview = p
	}
}

// New creates a Dispatcher.
func New(store Store, eng *engine.Engine, sender ReplySender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		eng:          eng,
		sender:       sender,
		storeTimeout: defaultStoreTimeout,
		locks:        map[int64]*sync.Mutex{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch processes one inbound message end to end. It never panics: any
// failure is isolated to this message and answered with a generic reply.
func (d *Dispatcher) Dispatch(ctx context.Context, in Inbound) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic while handling message", "telegram_id", in.TelegramID, "panic", r)
			d.send(ctx, in.TelegramID, failureReply)
		}
	}()

	// At most one transition in flight per user.
	lock := d.userLock(in.TelegramID)
	lock.Lock()
	defer lock.Unlock()

	reply, err := d.process(ctx, in)
	if err != nil {
		d.logFailure(in, err)
		reply = failureReply
	}
	d.send(ctx, in.TelegramID, reply)
}

func (d *Dispatcher) process(ctx context.Context, in Inbound) (engine.Reply, error) {
	user, snap, err := d.loadSnapshot(ctx, in)
	if err != nil {
		return engine.Reply{}, err
	}

	var cur engine.Context
	if user != nil {
		cur = engine.ContextFromDocument(user.Context)
	}

	decision := d.eng.Decide(snap, cur, in.Text)
	return d.apply(ctx, in, user, snap, decision)
}

// loadSnapshot resolves the user and reads everything the engine validates
// against. A missing user is a valid snapshot, not an error.
func (d *Dispatcher) loadSnapshot(ctx context.Context, in Inbound) (*storage.User, engine.Snapshot, error) {
	snap := engine.Snapshot{FirstName: in.FirstName}

	user, err := d.getUser(ctx, in.TelegramID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, snap, nil
	}
	if err != nil {
		return nil, snap, fmt.Errorf("load user: %w", err)
	}
	snap.UserExists = true
	if user.FirstName != "" {
		snap.FirstName = user.FirstName
	}

	settings, err := d.getSettings(ctx, user.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, snap, fmt.Errorf("load settings: %w", err)
	}
	if settings != nil {
		snap.Settings = &engine.Settings{
			Capacity:      settings.Capacity,
			RetentionDays: settings.RetentionDays,
			Email:         settings.Email,
		}
	}

	articles, err := d.listNewArticles(ctx, user.ID)
	if err != nil {
		return nil, snap, fmt.Errorf("load articles: %w", err)
	}
	for _, a := range articles {
		snap.NewArticles = append(snap.NewArticles, engine.Article{ID: a.ID, Text: a.Text})
	}

	return user, snap, nil
}

// apply commits the decision: the mutation (when one is requested) runs in
// the same store transaction as the context persist, matching the
// one-transition-is-atomic contract.
func (d *Dispatcher) apply(ctx context.Context, in Inbound, user *storage.User, snap engine.Snapshot, decision engine.Decision) (engine.Reply, error) {
	patch := decision.Next.Document()
	m := decision.Mutation

	if m == nil {
		if user == nil {
			return engine.Reply{}, errors.New("no mutation for unknown user")
		}
		if err := d.mergeContext(ctx, user.ID, patch); err != nil {
			return engine.Reply{}, fmt.Errorf("persist context: %w", err)
		}
		return decision.Reply, nil
	}

	switch m.Kind {
	case engine.MutationCreateUser:
		created, err := d.createUser(ctx, in)
		if err != nil {
			return engine.Reply{}, fmt.Errorf("create user: %w", err)
		}
		if err := d.mergeContext(ctx, created.ID, patch); err != nil {
			// The row exists but still carries the welcome state; the next
			// message re-runs onboarding from there.
			return engine.Reply{}, fmt.Errorf("persist context: %w", err)
		}
		return decision.Reply, nil

	case engine.MutationCreateSettings:
		settings := &storage.Settings{
			UserID:        user.ID,
			Capacity:      m.Capacity,
			RetentionDays: m.Retention,
			Email:         m.Email,
		}
		if err := d.createSettings(ctx, settings, patch); err != nil {
			return engine.Reply{}, fmt.Errorf("create settings: %w", err)
		}
		return decision.Reply, nil

	case engine.MutationCreateArticle:
		_, err := d.createArticle(ctx, user.ID, m.Text, patch)
		if errors.Is(err, storage.ErrDuplicateArticle) {
			// The snapshot was stale (redelivered message); the row is
			// already there, so answer as a duplicate and settle the state.
			slog.Info("duplicate article on replay", "telegram_id", in.TelegramID)
			if err := d.mergeContext(ctx, user.ID, patch); err != nil {
				return engine.Reply{}, fmt.Errorf("persist context: %w", err)
			}
			return engine.DuplicateReply(), nil
		}
		if err != nil {
			return engine.Reply{}, fmt.Errorf("create article: %w", err)
		}
		return decision.Reply, nil

	case engine.MutationMarkRead:
		if err := d.markRead(ctx, m.ArticleID, user.ID, patch); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// The article vanished under a stale snapshot. Still settle
				// the context so the user is not stuck in the listing state.
				slog.Warn("selected article vanished", "telegram_id", in.TelegramID, "article_id", m.ArticleID)
				if err := d.mergeContext(ctx, user.ID, patch); err != nil {
					return engine.Reply{}, fmt.Errorf("persist context: %w", err)
				}
				return engine.Reply{}, nil
			}
			return engine.Reply{}, fmt.Errorf("mark read: %w", err)
		}
		return d.withPreview(ctx, snap, m.ArticleID, decision.Reply), nil
	}

	return engine.Reply{}, fmt.Errorf("unknown mutation kind %d", m.Kind)
}

// withPreview appends a readable excerpt when the opened article is a bare
// link. Fetch failures fall back to the stored text alone.
func (d *Dispatcher) withPreview(ctx context.Context, snap engine.Snapshot, articleID int64, reply engine.Reply) engine.Reply {
	if d.preview == nil {
		return reply
	}
	var link string
	for _, a := range snap.NewArticles {
		if a.ID == articleID && isLink(a.Text) {
			link = a.Text
			break
		}
	}
	if link == "" {
		return reply
	}

	excerpt, err := d.preview.Fetch(ctx, link)
	if err != nil || excerpt == "" {
		if err != nil {
			slog.Debug("preview fetch failed", "url", link, "error", err)
		}
		return reply
	}
	reply.Text = reply.Text + "\n\n" + excerpt
	return reply
}

func (d *Dispatcher) send(ctx context.Context, telegramID int64, reply engine.Reply) {
	if reply.Empty() {
		return
	}
	if err := d.sender.SendReply(ctx, telegramID, reply); err != nil {
		slog.Warn("failed to send reply", "telegram_id", telegramID, "error", err)
	}
}

// logFailure classifies the error for the log line; every kind is
// recoverable and answered the same way.
func (d *Dispatcher) logFailure(in Inbound, err error) {
	kind := "store"
	switch {
	case errors.Is(err, storage.ErrNotFound):
		kind = "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		kind = "timeout"
	}
	slog.Error("message processing failed", "telegram_id", in.TelegramID, "kind", kind, "error", err)
}

// userLock returns the mutex serializing one user's transitions. The map
// grows by one mutex per user ever seen and is never reaped; a mutex is a
// few words, so even millions of users stay in the low tens of megabytes.
func (d *Dispatcher) userLock(telegramID int64) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.locks[telegramID]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[telegramID] = lock
	}
	return lock
}

// Store wrappers, each bounded by the configured timeout. A timed-out call
// counts as a failure, never as success.

func (d *Dispatcher) getUser(ctx context.Context, telegramID int64) (*storage.User, error) {
	ctx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	return d.store.GetUserByTelegramID(ctx, telegramID)
}

func (d *Dispatcher) createUser(ctx context.Context, in Inbound) (*storage.User, error) {
	ctx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	doc := map[string]any{"state": string(engine.StateWelcome)}
	return d.store.CreateUser(ctx, in.TelegramID, in.FirstName, doc)
}

func (d *Dispatcher) mergeContext(ctx context.Context, userID int64, patch map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	return d.store.MergeUserContext(ctx, userID, patch)
}

func (d *Dispatcher) getSettings(ctx context.Context, userID int64) (*storage.Settings, error) {
	ctx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	return d.store.GetSettings(ctx, userID)
}

func (d *Dispatcher) createSettings(ctx context.Context, s *storage.Settings, patch map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	return d.store.CreateSettings(ctx, s, patch)
}

func (d *Dispatcher) createArticle(ctx context.Context, userID int64, text string, patch map[string]any) (*storage.Article, error) {
	ctx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	return d.store.CreateArticle(ctx, userID, text, patch)
}

func (d *Dispatcher) listNewArticles(ctx context.Context, userID int64) ([]storage.Article, error) {
	ctx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	return d.store.ListNewArticles(ctx, userID)
}

func (d *Dispatcher) markRead(ctx context.Context, articleID, userID int64, patch map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	return d.store.MarkArticleRead(ctx, articleID, userID, patch)
}

// isLink reports whether text is a single absolute http(s) URL.
func isLink(text string) bool {
	if strings.ContainsAny(text, " \t\n") {
		return false
	}
	u, err := url.Parse(text)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
