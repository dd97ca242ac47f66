package engine

// State identifies where a user's conversation currently rests. The value is
// persisted as an opaque tag inside the user's context document.
type State string

const (
	StateWelcome           State = "WELCOME"
	StateAwaitingCapacity  State = "AWAITING_CAPACITY"
	StateAwaitingRetention State = "AWAITING_RETENTION"
	StateAwaitingEmail     State = "AWAITING_EMAIL"
	StateAddingArticle     State = "ADDING_ARTICLE"
	StateListingArticles   State = "LISTING_ARTICLES"
	StateViewingArticle    State = "VIEWING_ARTICLE"
)

// Context document keys.
const (
	keyState            = "state"
	keyStagedCapacity   = "staged_capacity"
	keyStagedRetention  = "staged_retention"
	keySettingsProvided = "settings_provided"
)

// Context is the conversation state loaded from a user's persisted context
// document. It is passed by value into Decide and returned by value, so the
// engine never holds a live reference to stored state.
type Context struct {
	State            State
	StagedCapacity   int
	StagedRetention  int
	SettingsProvided bool
}

// ContextFromDocument reads a Context out of a stored key/value document.
// Unknown keys are ignored; a missing or empty document yields the welcome
// state. Numbers arrive as float64 after JSON decoding, so both numeric
// shapes are accepted.
func ContextFromDocument(doc map[string]any) Context {
	c := Context{State: StateWelcome}
	if doc == nil {
		return c
	}
	if s, ok := doc[keyState].(string); ok && s != "" {
		c.State = State(s)
	}
	c.StagedCapacity = documentInt(doc[keyStagedCapacity])
	c.StagedRetention = documentInt(doc[keyStagedRetention])
	if b, ok := doc[keySettingsProvided].(bool); ok {
		c.SettingsProvided = b
	}
	return c
}

// Document renders the Context as a patch for the stored document. Staged
// keys that are no longer set map to nil so the store removes them on merge
// instead of leaving stale onboarding values behind.
func (c Context) Document() map[string]any {
	doc := map[string]any{keyState: string(c.State)}
	if c.StagedCapacity > 0 {
		doc[keyStagedCapacity] = c.StagedCapacity
	} else {
		doc[keyStagedCapacity] = nil
	}
	if c.StagedRetention > 0 {
		doc[keyStagedRetention] = c.StagedRetention
	} else {
		doc[keyStagedRetention] = nil
	}
	if c.SettingsProvided {
		doc[keySettingsProvided] = true
	} else {
		doc[keySettingsProvided] = nil
	}
	return doc
}

func documentInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}
