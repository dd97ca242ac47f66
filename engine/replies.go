package engine

import (
	"fmt"
	"strconv"
	"strings"
)

const listPrefixLen = 40

func welcomeReply(firstName string, minCap, maxCap int) Reply {
	name := firstName
	if name == "" {
		name = "there"
	}
	return Reply{
		Text: fmt.Sprintf(
			"Hi %s!\nI am ReadingListBot. I keep a reading list for you.\n\n"+
				"First, how many articles should your list hold? Send a number between %d and %d.",
			name, minCap, maxCap),
	}
}

func capacityPrompt(minCap, maxCap int) Reply {
	return Reply{
		Text: fmt.Sprintf("How many articles should your list hold? Send a number between %d and %d.", minCap, maxCap),
	}
}

func retentionPrompt() Reply {
	return Reply{Text: "How many days should I keep an article? Send a positive number."}
}

func emailPrompt() Reply {
	return Reply{
		Text:     "Almost done. Send your email address, or 'skip'.",
		Keyboard: []string{"skip"},
	}
}

func settingsSavedReply(capacity, retention int) Reply {
	return Reply{
		Text: fmt.Sprintf(
			"All set: list size %d, articles kept for %d days.\n\nSend me your first article text.",
			capacity, retention),
	}
}

func articlePrompt() Reply {
	return Reply{Text: "Send me the article text to save."}
}

func emptyArticleReply() Reply {
	return Reply{Text: "An article cannot be empty. Send me some text."}
}

func articleSavedReply(remaining int) Reply {
	return Reply{
		Text:     fmt.Sprintf("Saved. You have room for %d more.", remaining),
		Keyboard: []string{cmdAddArticle, cmdShowArticles},
	}
}

func listFullReply(capacity int) Reply {
	return Reply{
		Text:     fmt.Sprintf("Your list is full (%d unread). Read something first: 'show articles'.", capacity),
		Keyboard: []string{cmdShowArticles},
	}
}

// DuplicateReply answers a submission whose text is already on the unread
// list. Exported because the dispatcher gives the same answer when the store
// reports a duplicate that the snapshot missed.
func DuplicateReply() Reply {
	return Reply{
		Text:     "That article is already on your list.",
		Keyboard: []string{cmdAddArticle, cmdShowArticles},
	}
}

func emptyListReply() Reply {
	return Reply{
		Text:     "Your reading list is empty. Send 'add article' to save one.",
		Keyboard: []string{cmdAddArticle},
	}
}

func listReply(articles []Article) Reply {
	var sb strings.Builder
	sb.WriteString("Your unread articles. Send a number to open one:\n")
	keyboard := make([]string, 0, len(articles))
	for _, a := range articles {
		sb.WriteString(fmt.Sprintf("\n%d. %s", a.ID, prefix(a.Text)))
		keyboard = append(keyboard, strconv.FormatInt(a.ID, 10))
	}
	return Reply{Text: sb.String(), Keyboard: keyboard}
}

func articleTextReply(text string) Reply {
	return Reply{
		Text:     text,
		Keyboard: []string{cmdShowArticles, cmdAddArticle},
	}
}

func summaryReply(firstName string, unread int) Reply {
	name := firstName
	if name == "" {
		name = "there"
	}
	var middle string
	switch unread {
	case 0:
		middle = "Your reading list is empty."
	case 1:
		middle = "You have 1 unread article."
	default:
		middle = fmt.Sprintf("You have %d unread articles.", unread)
	}
	return Reply{
		Text:     fmt.Sprintf("Hi %s! %s\n\nSend 'add article' or 'show articles'.", name, middle),
		Keyboard: []string{cmdAddArticle, cmdShowArticles},
	}
}

func cancelReply() Reply {
	return Reply{
		Text:     "Okay, cancelled.",
		Keyboard: []string{cmdAddArticle, cmdShowArticles},
	}
}

func helpReply() Reply {
	return Reply{
		Text:     "I did not get that. Send 'add article' or 'show articles'.",
		Keyboard: []string{cmdAddArticle, cmdShowArticles},
	}
}

// prefix truncates article text for the enumerated list, rune-safe.
func prefix(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= listPrefixLen {
		return text
	}
	return string(runes[:listPrefixLen]) + "…"
}
