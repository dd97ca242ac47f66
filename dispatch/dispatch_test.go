package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"readinglist-bot/engine"
	"readinglist-bot/storage"
)

type fakeSender struct {
	mu      sync.Mutex
	replies []engine.Reply
}

func (f *fakeSender) SendReply(_ context.Context, _ int64, reply engine.Reply) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, reply)
	return nil
}

func (f *fakeSender) last(t *testing.T) engine.Reply {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replies) == 0 {
		t.Fatal("no reply sent")
	}
	return f.replies[len(f.replies)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replies)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *storage.DB, *fakeSender) {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sender := &fakeSender{}
	d := New(db, engine.New(1, 10), sender)
	return d, db, sender
}

func say(d *Dispatcher, text string) {
	d.Dispatch(context.Background(), Inbound{TelegramID: 77, FirstName: "Alice", Text: text})
}

func TestFullConversation(t *testing.T) {
	d, db, sender := newTestDispatcher(t)
	ctx := context.Background()

	// First contact creates the user and asks for capacity.
	say(d, "hello")
	user, err := db.GetUserByTelegramID(ctx, 77)
	if err != nil {
		t.Fatalf("user not created: %v", err)
	}
	if got := engine.ContextFromDocument(user.Context); got.State != engine.StateAwaitingCapacity {
		t.Fatalf("state = %q, want %q", got.State, engine.StateAwaitingCapacity)
	}
	if !strings.Contains(sender.last(t).Text, "Alice") {
		t.Errorf("welcome reply = %q", sender.last(t).Text)
	}

	// Onboarding: capacity 3, retention 5, skip email.
	say(d, "3")
	say(d, "5")
	say(d, "skip")

	settings, err := db.GetSettings(ctx, user.ID)
	if err != nil {
		t.Fatalf("settings not created: %v", err)
	}
	if settings.Capacity != 3 || settings.RetentionDays != 5 {
		t.Errorf("settings = %+v, want capacity 3 retention 5", settings)
	}

	// The staged values are cleared from the stored document.
	user, _ = db.GetUserByTelegramID(ctx, 77)
	if _, ok := user.Context["staged_capacity"]; ok {
		t.Error("staged_capacity survived settings commit")
	}

	// Articles: "buy milk", duplicate "buy milk", "read paper".
	say(d, "buy milk")
	say(d, "add article buy milk")
	if !strings.Contains(sender.last(t).Text, "already") {
		t.Errorf("duplicate reply = %q", sender.last(t).Text)
	}
	say(d, "add article read paper")

	articles, _ := db.ListNewArticles(ctx, user.ID)
	if len(articles) != 2 {
		t.Fatalf("got %d unread articles, want 2", len(articles))
	}
	if articles[0].Text != "buy milk" || articles[1].Text != "read paper" {
		t.Errorf("articles = %v", articles)
	}

	// Listing and opening the first article.
	say(d, "show articles")
	listing := sender.last(t)
	if len(listing.Keyboard) != 2 {
		t.Fatalf("listing keyboard = %v", listing.Keyboard)
	}

	say(d, listing.Keyboard[0])
	if sender.last(t).Text != "buy milk" {
		t.Errorf("opened article reply = %q, want the full text", sender.last(t).Text)
	}

	articles, _ = db.ListNewArticles(ctx, user.ID)
	if len(articles) != 1 || articles[0].Text != "read paper" {
		t.Errorf("after reading: %v", articles)
	}

	// Resting state summary reflects the one remaining unread article.
	say(d, "hi")
	if !strings.Contains(sender.last(t).Text, "1 unread") {
		t.Errorf("summary = %q", sender.last(t).Text)
	}
}

func TestCapacityEnforcedEndToEnd(t *testing.T) {
	d, db, sender := newTestDispatcher(t)
	ctx := context.Background()

	say(d, "hi")
	say(d, "2")
	say(d, "7")
	say(d, "skip")

	say(d, "first")
	say(d, "add article second")
	say(d, "add article third")
	if !strings.Contains(sender.last(t).Text, "full") {
		t.Errorf("expected list-full reply, got %q", sender.last(t).Text)
	}

	user, _ := db.GetUserByTelegramID(ctx, 77)
	articles, _ := db.ListNewArticles(ctx, user.ID)
	if len(articles) != 2 {
		t.Errorf("got %d articles, want capacity bound of 2", len(articles))
	}
}

func TestInvalidOnboardingInputHoldsState(t *testing.T) {
	d, db, _ := newTestDispatcher(t)
	ctx := context.Background()

	say(d, "hi")
	say(d, "not a number")
	say(d, "999")

	user, _ := db.GetUserByTelegramID(ctx, 77)
	if got := engine.ContextFromDocument(user.Context); got.State != engine.StateAwaitingCapacity {
		t.Errorf("state = %q, want held at %q", got.State, engine.StateAwaitingCapacity)
	}
}

// failingStore wraps a real store and fails or skews selected operations.
type failingStore struct {
	Store
	failCreateArticle bool
	failMerge         bool
	hideArticles      bool
	vanishOnMarkRead  bool
}

var errDown = errors.New("store down")

func (f *failingStore) CreateArticle(ctx context.Context, userID int64, text string, patch map[string]any) (*storage.Article, error) {
	if f.failCreateArticle {
		return nil, errDown
	}
	return f.Store.CreateArticle(ctx, userID, text, patch)
}

func (f *failingStore) MergeUserContext(ctx context.Context, userID int64, patch map[string]any) error {
	if f.failMerge {
		return errDown
	}
	return f.Store.MergeUserContext(ctx, userID, patch)
}

// ListNewArticles can serve a stale snapshot that misses existing rows, the
// way a redelivered message sees the world.
func (f *failingStore) ListNewArticles(ctx context.Context, userID int64) ([]storage.Article, error) {
	if f.hideArticles {
		return nil, nil
	}
	return f.Store.ListNewArticles(ctx, userID)
}

func (f *failingStore) MarkArticleRead(ctx context.Context, articleID, userID int64, patch map[string]any) error {
	if f.vanishOnMarkRead {
		return storage.ErrNotFound
	}
	return f.Store.MarkArticleRead(ctx, articleID, userID, patch)
}

func TestStoreFailureKeepsStateAndReportsGenerically(t *testing.T) {
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	fs := &failingStore{Store: db}
	sender := &fakeSender{}
	d := New(fs, engine.New(1, 10), sender)

	say(d, "hi")
	say(d, "3")
	say(d, "5")
	say(d, "skip")

	// The article mutation fails: the user sees a generic reply and the
	// state is not advanced past ADDING_ARTICLE.
	fs.failCreateArticle = true
	say(d, "buy milk")
	if !strings.Contains(sender.last(t).Text, "try that again") {
		t.Errorf("reply = %q, want the generic failure", sender.last(t).Text)
	}

	user, _ := db.GetUserByTelegramID(context.Background(), 77)
	if got := engine.ContextFromDocument(user.Context); got.State != engine.StateAddingArticle {
		t.Errorf("state = %q, want held at %q", got.State, engine.StateAddingArticle)
	}
	if articles, _ := db.ListNewArticles(context.Background(), user.ID); len(articles) != 0 {
		t.Errorf("article created despite failure: %v", articles)
	}

	// Retrying the same input succeeds once the store recovers.
	fs.failCreateArticle = false
	say(d, "buy milk")
	if articles, _ := db.ListNewArticles(context.Background(), user.ID); len(articles) != 1 {
		t.Errorf("retry did not create the article: %v", articles)
	}
}

func TestContextPersistFailureReportsGenerically(t *testing.T) {
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	fs := &failingStore{Store: db}
	sender := &fakeSender{}
	d := New(fs, engine.New(1, 10), sender)

	say(d, "hi")

	fs.failMerge = true
	say(d, "3")
	if !strings.Contains(sender.last(t).Text, "try that again") {
		t.Errorf("reply = %q, want the generic failure", sender.last(t).Text)
	}
	user, _ := db.GetUserByTelegramID(context.Background(), 77)
	if got := engine.ContextFromDocument(user.Context); got.State != engine.StateAwaitingCapacity {
		t.Errorf("state = %q, want held at %q", got.State, engine.StateAwaitingCapacity)
	}
}

type fakePreviewer struct {
	excerpt string
	err     error
}

func (f *fakePreviewer) Fetch(context.Context, string) (string, error) {
	return f.excerpt, f.err
}

func TestLinkPreviewAppended(t *testing.T) {
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	sender := &fakeSender{}
	d := New(db, engine.New(1, 10), sender,
		WithPreviewer(&fakePreviewer{excerpt: "An excerpt of the page."}),
	)

	say(d, "hi")
	say(d, "3")
	say(d, "5")
	say(d, "skip")
	say(d, "https://example.com/post")
	say(d, "show articles")
	say(d, sender.last(t).Keyboard[0])

	got := sender.last(t).Text
	if !strings.HasPrefix(got, "https://example.com/post") {
		t.Errorf("reply should start with the stored text, got %q", got)
	}
	if !strings.Contains(got, "An excerpt of the page.") {
		t.Errorf("reply should include the excerpt, got %q", got)
	}
}

func TestLinkPreviewFailureDegrades(t *testing.T) {
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	sender := &fakeSender{}
	d := New(db, engine.New(1, 10), sender,
		WithPreviewer(&fakePreviewer{err: errors.New("timeout")}),
	)

	say(d, "hi")
	say(d, "3")
	say(d, "5")
	say(d, "skip")
	say(d, "https://example.com/post")
	say(d, "show articles")
	say(d, sender.last(t).Keyboard[0])

	if got := sender.last(t).Text; got != "https://example.com/post" {
		t.Errorf("reply = %q, want the stored text alone", got)
	}
}

func TestUnmatchedSelectionIsSilent(t *testing.T) {
	d, _, sender := newTestDispatcher(t)

	say(d, "hi")
	say(d, "3")
	say(d, "5")
	say(d, "skip")
	say(d, "buy milk")
	say(d, "show articles")

	before := sender.count()
	say(d, "42")
	if sender.count() != before {
		t.Errorf("expected silence for an unlisted id, got %q", sender.last(t).Text)
	}
}

// TestConcurrentMessagesSameUser hammers one user with parallel messages,
// including the redelivered first contact, and checks that serialization
// leaves a single coherent conversation behind.
func TestConcurrentMessagesSameUser(t *testing.T) {
	d, db, sender := newTestDispatcher(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Dispatch(ctx, Inbound{TelegramID: 5, FirstName: "Eve", Text: "hi"})
		}()
	}
	wg.Wait()

	// Every message got an answer.
	if got := sender.count(); got != n {
		t.Errorf("got %d replies, want %d", got, n)
	}

	// One user row; the first message created it, the rest held the state.
	user, err := db.GetUserByTelegramID(ctx, 5)
	if err != nil {
		t.Fatalf("user not created: %v", err)
	}
	if got := engine.ContextFromDocument(user.Context); got.State != engine.StateAwaitingCapacity {
		t.Errorf("state = %q, want %q", got.State, engine.StateAwaitingCapacity)
	}

	// The conversation is still usable afterwards.
	for _, text := range []string{"3", "5", "skip", "buy milk"} {
		d.Dispatch(ctx, Inbound{TelegramID: 5, FirstName: "Eve", Text: text})
	}
	articles, _ := db.ListNewArticles(ctx, user.ID)
	if len(articles) != 1 || articles[0].Text != "buy milk" {
		t.Errorf("after onboarding: %v", articles)
	}
}

// A redelivered submission whose row already landed answers exactly like an
// engine-detected duplicate, keyboard included.
func TestDuplicateReplayMatchesEngineReply(t *testing.T) {
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	fs := &failingStore{Store: db}
	sender := &fakeSender{}
	d := New(fs, engine.New(1, 10), sender)

	say(d, "hi")
	say(d, "3")
	say(d, "5")
	say(d, "skip")
	say(d, "buy milk")

	// The snapshot misses the row, so the engine asks to create it again and
	// the store reports the duplicate.
	fs.hideArticles = true
	say(d, "add article buy milk")

	want := engine.DuplicateReply()
	got := sender.last(t)
	if got.Text != want.Text {
		t.Errorf("reply = %q, want %q", got.Text, want.Text)
	}
	if len(got.Keyboard) != len(want.Keyboard) {
		t.Fatalf("keyboard = %v, want %v", got.Keyboard, want.Keyboard)
	}
	for i := range want.Keyboard {
		if got.Keyboard[i] != want.Keyboard[i] {
			t.Errorf("keyboard[%d] = %q, want %q", i, got.Keyboard[i], want.Keyboard[i])
		}
	}

	fs.hideArticles = false
	user, _ := db.GetUserByTelegramID(context.Background(), 77)
	if articles, _ := db.ListNewArticles(context.Background(), user.ID); len(articles) != 1 {
		t.Errorf("replay created a second row: %v", articles)
	}
}

// A selection whose article vanished must still settle the conversation at
// the resting state instead of leaving the user stuck listing.
func TestVanishedSelectionSettlesState(t *testing.T) {
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	fs := &failingStore{Store: db}
	sender := &fakeSender{}
	d := New(fs, engine.New(1, 10), sender)

	say(d, "hi")
	say(d, "3")
	say(d, "5")
	say(d, "skip")
	say(d, "buy milk")
	say(d, "show articles")

	fs.vanishOnMarkRead = true
	before := sender.count()
	say(d, sender.last(t).Keyboard[0])
	if sender.count() != before {
		t.Errorf("expected silence, got %q", sender.last(t).Text)
	}

	user, _ := db.GetUserByTelegramID(context.Background(), 77)
	if got := engine.ContextFromDocument(user.Context); got.State != engine.StateWelcome {
		t.Errorf("state = %q, want %q", got.State, engine.StateWelcome)
	}

	// The next message is answered normally, not swallowed as a selection.
	fs.vanishOnMarkRead = false
	say(d, "hi")
	if !strings.Contains(sender.last(t).Text, "unread") {
		t.Errorf("follow-up reply = %q, want the summary", sender.last(t).Text)
	}
}

func TestUsersAreIndependent(t *testing.T) {
	d, db, _ := newTestDispatcher(t)
	ctx := context.Background()

	d.Dispatch(ctx, Inbound{TelegramID: 1, FirstName: "A", Text: "hi"})
	d.Dispatch(ctx, Inbound{TelegramID: 2, FirstName: "B", Text: "hi"})

	for _, id := range []int64{1, 2} {
		u, err := db.GetUserByTelegramID(ctx, id)
		if err != nil {
			t.Fatalf("user %d not created: %v", id, err)
		}
		if got := engine.ContextFromDocument(u.Context); got.State != engine.StateAwaitingCapacity {
			t.Errorf("user %d state = %q", id, got.State)
		}
	}
}

func TestIsLink(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"https://example.com/a", true},
		{"http://example.com", true},
		{"ftp://example.com", false},
		{"buy milk", false},
		{"see https://example.com for details", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isLink(tt.text); got != tt.want {
			t.Errorf("isLink(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}
