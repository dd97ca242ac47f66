// Package engine holds the pure conversation state machine: given a snapshot
// of the user's stored data, the persisted conversation context and one
// inbound message, Decide returns the next context, an optional storage
// mutation and the outbound reply. The engine never touches storage or the
// transport itself.
package engine

import (
	"regexp"
	"strconv"
	"strings"
)

// Snapshot is the data read at decision time. Validation (capacity, duplicate
// and range checks) runs against this snapshot only.
type Snapshot struct {
	UserExists  bool
	FirstName   string
	Settings    *Settings
	NewArticles []Article
}

// Settings mirrors the user's committed reading-list settings.
type Settings struct {
	Capacity      int
	RetentionDays int
	Email         string
}

// Article is an unread reading-list item as seen by the engine.
type Article struct {
	ID   int64
	Text string
}

// MutationKind tags the storage change a Decision requests.
type MutationKind int

const (
	MutationCreateUser MutationKind = iota + 1
	MutationCreateSettings
	MutationCreateArticle
	MutationMarkRead
)

// Mutation describes a single data change for the dispatcher to apply. Only
// the fields relevant to its Kind are set.
type Mutation struct {
	Kind      MutationKind
	Capacity  int
	Retention int
	Email     string
	Text      string
	ArticleID int64
}

// Reply is the outbound message. Keyboard is an optional constrained-choice
// hint for the transport; an empty Text means stay silent.
type Reply struct {
	Text     string
	Keyboard []string
}

// Empty reports whether the reply should be suppressed.
func (r Reply) Empty() bool { return r.Text == "" }

// Decision is the full outcome of one transition.
type Decision struct {
	Next     Context
	Mutation *Mutation
	Reply    Reply
}

// Engine computes transitions. It carries only the configured capacity
// bounds; everything else comes in through Decide's arguments.
type Engine struct {
	minCapacity int
	maxCapacity int
}

// New creates an engine with the given inclusive capacity bounds.
func New(minCapacity, maxCapacity int) *Engine {
	return &Engine{minCapacity: minCapacity, maxCapacity: maxCapacity}
}

var digitsRe = regexp.MustCompile(`[0-9]+`)

// emailRe is deliberately loose: one @, no whitespace, a dot in the domain.
var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Entry commands, recognized regardless of the stored state. Checked in this
// order before state-indexed dispatch.
const (
	cmdCancel       = "cancel"
	cmdShowArticles = "show articles"
	cmdAddArticle   = "add article"
	cmdStart        = "/start"
)

// Decide maps (snapshot, current context, message text) to a Decision.
func (e *Engine) Decide(snap Snapshot, cur Context, text string) Decision {
	text = strings.TrimSpace(text)

	if !snap.UserExists {
		return Decision{
			Next:     Context{State: StateAwaitingCapacity},
			Mutation: &Mutation{Kind: MutationCreateUser},
			Reply:    welcomeReply(snap.FirstName, e.minCapacity, e.maxCapacity),
		}
	}

	if d, ok := e.decideEntryCommand(snap, cur, text); ok {
		return d
	}

	switch cur.State {
	case StateWelcome, StateViewingArticle:
		return e.decideWelcome(snap, cur)
	case StateAwaitingCapacity:
		return e.decideCapacity(cur, text)
	case StateAwaitingRetention:
		return e.decideRetention(cur, text)
	case StateAwaitingEmail:
		return e.decideEmail(cur, text)
	case StateAddingArticle:
		return e.decideSubmission(snap, cur, text)
	case StateListingArticles:
		return e.decideSelection(snap, cur, text)
	default:
		// Unknown tag in an old record: hold the state, offer help.
		return Decision{Next: cur, Reply: helpReply()}
	}
}

func (e *Engine) decideEntryCommand(snap Snapshot, cur Context, text string) (Decision, bool) {
	lower := strings.ToLower(text)

	switch {
	case lower == cmdCancel || lower == "/"+cmdCancel:
		return Decision{
			Next:  Context{State: StateWelcome, SettingsProvided: marker(snap, cur)},
			Reply: cancelReply(),
		}, true

	case lower == cmdShowArticles:
		return e.decideListing(snap, cur), true

	case lower == cmdAddArticle:
		if !onboarded(snap, cur) {
			return e.decideWelcome(snap, cur), true
		}
		return Decision{
			Next:  Context{State: StateAddingArticle, SettingsProvided: marker(snap, cur)},
			Reply: articlePrompt(),
		}, true

	case strings.HasPrefix(lower, cmdAddArticle+" "):
		if !onboarded(snap, cur) {
			return e.decideWelcome(snap, cur), true
		}
		return e.decideSubmission(snap, cur, strings.TrimSpace(text[len(cmdAddArticle):])), true

	case lower == cmdStart:
		return e.decideWelcome(snap, cur), true
	}

	return Decision{}, false
}

// decideWelcome is the resting-state row: onboarded users get an idempotent
// info summary, everyone else is pushed back into onboarding.
func (e *Engine) decideWelcome(snap Snapshot, cur Context) Decision {
	if onboarded(snap, cur) {
		return Decision{
			Next:  Context{State: StateWelcome, SettingsProvided: marker(snap, cur)},
			Reply: summaryReply(snap.FirstName, len(snap.NewArticles)),
		}
	}
	return Decision{
		Next:  Context{State: StateAwaitingCapacity},
		Reply: capacityPrompt(e.minCapacity, e.maxCapacity),
	}
}

func (e *Engine) decideCapacity(cur Context, text string) Decision {
	n, ok := firstInt(text)
	if !ok || n < e.minCapacity || n > e.maxCapacity {
		return Decision{Next: cur, Reply: capacityPrompt(e.minCapacity, e.maxCapacity)}
	}
	return Decision{
		Next:  Context{State: StateAwaitingRetention, StagedCapacity: n},
		Reply: retentionPrompt(),
	}
}

func (e *Engine) decideRetention(cur Context, text string) Decision {
	n, ok := firstInt(text)
	if !ok || n <= 0 {
		return Decision{Next: cur, Reply: retentionPrompt()}
	}
	return Decision{
		Next: Context{
			State:           StateAwaitingEmail,
			StagedCapacity:  cur.StagedCapacity,
			StagedRetention: n,
		},
		Reply: emailPrompt(),
	}
}

func (e *Engine) decideEmail(cur Context, text string) Decision {
	var email string
	switch {
	case strings.EqualFold(text, "skip"):
		email = ""
	case emailRe.MatchString(text):
		email = text
	default:
		return Decision{Next: cur, Reply: emailPrompt()}
	}

	return Decision{
		Next: Context{State: StateAddingArticle, SettingsProvided: true},
		Mutation: &Mutation{
			Kind:      MutationCreateSettings,
			Capacity:  cur.StagedCapacity,
			Retention: cur.StagedRetention,
			Email:     email,
		},
		Reply: settingsSavedReply(cur.StagedCapacity, cur.StagedRetention),
	}
}

func (e *Engine) decideSubmission(snap Snapshot, cur Context, text string) Decision {
	if text == "" {
		return Decision{
			Next:  Context{State: StateAddingArticle, SettingsProvided: marker(snap, cur)},
			Reply: emptyArticleReply(),
		}
	}
	if snap.Settings == nil {
		// ADDING_ARTICLE without committed settings should not happen; treat
		// the record as mid-onboarding and restart the flow.
		return Decision{
			Next:  Context{State: StateAwaitingCapacity},
			Reply: capacityPrompt(e.minCapacity, e.maxCapacity),
		}
	}

	rest := Context{State: StateWelcome}
	if len(snap.NewArticles) >= snap.Settings.Capacity {
		return Decision{Next: rest, Reply: listFullReply(snap.Settings.Capacity)}
	}
	for _, a := range snap.NewArticles {
		if a.Text == text {
			return Decision{Next: rest, Reply: DuplicateReply()}
		}
	}

	return Decision{
		Next:     rest,
		Mutation: &Mutation{Kind: MutationCreateArticle, Text: text},
		Reply:    articleSavedReply(snap.Settings.Capacity - len(snap.NewArticles) - 1),
	}
}

func (e *Engine) decideListing(snap Snapshot, cur Context) Decision {
	if !onboarded(snap, cur) {
		return e.decideWelcome(snap, cur)
	}
	if len(snap.NewArticles) == 0 {
		return Decision{
			Next:  Context{State: StateWelcome, SettingsProvided: marker(snap, cur)},
			Reply: emptyListReply(),
		}
	}
	return Decision{
		Next:  Context{State: StateListingArticles, SettingsProvided: marker(snap, cur)},
		Reply: listReply(snap.NewArticles),
	}
}

// decideSelection handles a message while the enumerated list is showing. A
// number matching an unread article id marks it read and delivers the full
// text; anything else falls back to the resting state silently.
func (e *Engine) decideSelection(snap Snapshot, cur Context, text string) Decision {
	rest := Context{State: StateWelcome, SettingsProvided: marker(snap, cur)}

	id, ok := firstInt64(text)
	if !ok {
		return Decision{Next: rest}
	}
	for _, a := range snap.NewArticles {
		if a.ID == id {
			return Decision{
				Next:     rest,
				Mutation: &Mutation{Kind: MutationMarkRead, ArticleID: a.ID},
				Reply:    articleTextReply(a.Text),
			}
		}
	}
	return Decision{Next: rest}
}

// onboarded reports whether settings are committed, or at least claimed by
// the transient marker (covering the window where the settings row was
// written but not yet read back).
func onboarded(snap Snapshot, cur Context) bool {
	return snap.Settings != nil || cur.SettingsProvided
}

// marker returns the settings_provided value to carry forward: the marker is
// cleared as soon as the Settings row is query-visible.
func marker(snap Snapshot, cur Context) bool {
	return cur.SettingsProvided && snap.Settings == nil
}

// firstInt extracts the first run of digits from the text. Absent or
// unparseable digits are not an error, just "no value".
func firstInt(text string) (int, bool) {
	n, ok := firstInt64(text)
	if !ok || n > int64(1<<31-1) {
		return 0, false
	}
	return int(n), true
}

func firstInt64(text string) (int64, bool) {
	m := digitsRe.FindString(text)
	if m == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(m, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
