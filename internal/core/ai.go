package core

import (
	"context"
	"fmt"
	"strings"

	"shelfnotes.io/reading-companion/internal/store"
)

// BookContext is what the AI service is told about the book being read.
type BookContext struct {
	Title       string
	Author      string
	Summary     string
	CurrentPage int
	PageCount   int
}

func NewBookContext(b *store.Book) BookContext {
	if b == nil {
		return BookContext{}
	}
	bc := BookContext{Title: b.Title, Author: b.Author, CurrentPage: b.CurrentPage}
	if b.Summary != nil {
		bc.Summary = *b.Summary
	}
	if b.PageCount != nil {
		bc.PageCount = *b.PageCount
	}
	return bc
}

func (b BookContext) Describe() string {
	if b.Title == "" {
		return "The reader has not told you which book this is."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Book: %q", b.Title)
	if b.Author != "" {
		fmt.Fprintf(&sb, " by %s", b.Author)
	}
	sb.WriteString(".")
	if b.Summary != "" {
		fmt.Fprintf(&sb, "\nDescription: %s", b.Summary)
	}
	if b.CurrentPage > 0 {
		if b.PageCount > 0 {
			fmt.Fprintf(&sb, "\nThe reader is on page %d of %d.", b.CurrentPage, b.PageCount)
		} else {
			fmt.Fprintf(&sb, "\nThe reader is on page %d.", b.CurrentPage)
		}
	}
	return sb.String()
}

// Answerer is the opaque AI text service.
type Answerer interface {
	Answer(ctx context.Context, question string, book BookContext, noteContext *string) (string, error)
	Insight(ctx context.Context, book BookContext, notes []store.Note) (string, error)
}

// ChatModel continues a book conversation.
type ChatModel interface {
	Reply(ctx context.Context, book BookContext, history []store.ChatMessage, notes []store.Note, message string) (string, error)
}

// Embedder turns text into a vector for note retrieval.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// formatNotes renders notes as "- Quote: ..." lines.
func formatNotes(notes []store.Note) string {
	lines := make([]string, 0, len(notes))
	for _, n := range notes {
		lines = append(lines, fmt.Sprintf("- %s: %s", n.Type.Label(), n.Content))
	}
	return strings.Join(lines, "\n")
}
