package store

import (
	"time"
	"unicode/utf8"
)

type NoteType string

const (
	NoteTypeThought  NoteType = "thought"
	NoteTypeQuote    NoteType = "quote"
	NoteTypeQuestion NoteType = "question"
)

// Label is the human prefix used when a note is echoed into chat.
func (t NoteType) Label() string {
	switch t {
	case NoteTypeQuote:
		return "Quote"
	case NoteTypeQuestion:
		return "Question"
	default:
		return "Thought"
	}
}

func (t NoteType) Valid() bool {
	return t == NoteTypeThought || t == NoteTypeQuote || t == NoteTypeQuestion
}

type NoteSource string

const (
	NoteSourceVoice  NoteSource = "voice"
	NoteSourceCamera NoteSource = "camera"
	NoteSourceManual NoteSource = "manual"
)

type ReadingStatus string

const (
	ReadingStatusWantToRead ReadingStatus = "want_to_read"
	ReadingStatusReading    ReadingStatus = "reading"
	ReadingStatusFinished   ReadingStatus = "finished"
	ReadingStatusAbandoned  ReadingStatus = "abandoned"
)

type Book struct {
	ID            string        `json:"id"` // Using UUID for external ID
	Title         string        `json:"title"`
	Author        string        `json:"author"`
	ISBN          *string       `json:"isbn,omitempty"`
	CoverURL      *string       `json:"cover_url,omitempty"`
	Summary       *string       `json:"summary,omitempty"`
	Publisher     *string       `json:"publisher,omitempty"`
	PublishedYear *int          `json:"published_year,omitempty"`
	PageCount     *int          `json:"page_count,omitempty"`
	CurrentPage   int           `json:"current_page"`
	Status        ReadingStatus `json:"status"`
	DateAdded     time.Time     `json:"date_added"`
	DateStarted   *time.Time    `json:"date_started,omitempty"`
	DateFinished  *time.Time    `json:"date_finished,omitempty"`
	Genres        []string      `json:"genres,omitempty"`
	Language      string        `json:"language,omitempty"`
}

type Note struct {
	ID         string     `json:"id"`
	BookID     string     `json:"book_id"`
	SessionID  *string    `json:"session_id,omitempty"`
	Content    string     `json:"content"`
	Type       NoteType   `json:"type"`
	Source     NoteSource `json:"source"`
	Page       *int       `json:"page,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	AIResponse *string    `json:"ai_response,omitempty"` // Set asynchronously for questions
}

type ReadingSession struct {
	ID         string     `json:"id"`
	BookID     string     `json:"book_id"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	StartPage  int        `json:"start_page"`
	EndPage    *int       `json:"end_page,omitempty"`
	NoteIDs    []string   `json:"note_ids"`
	KeyInsight *string    `json:"key_insight,omitempty"`
	IsActive   bool       `json:"is_active"`
}

// Duration is measured up to now while the session is still open.
func (s ReadingSession) Duration(now time.Time) time.Duration {
	end := now
	if s.EndTime != nil {
		end = *s.EndTime
	}
	return end.Sub(s.StartTime)
}

func (s ReadingSession) PagesRead() int {
	end := s.StartPage
	if s.EndPage != nil {
		end = *s.EndPage
	}
	if end < s.StartPage {
		return 0
	}
	return end - s.StartPage
}

func (s ReadingSession) HasNote(noteID string) bool {
	for _, id := range s.NoteIDs {
		if id == noteID {
			return true
		}
	}
	return false
}

type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

type MessageStatus string

const (
	MessageStatusSending MessageStatus = "sending"
	MessageStatusSent    MessageStatus = "sent"
	MessageStatusError   MessageStatus = "error"
)

type ChatMessage struct {
	ID                string        `json:"id"`
	BookID            string        `json:"book_id"`
	ChatID            string        `json:"chat_id"`
	Role              ChatRole      `json:"role"`
	Content           string        `json:"content"`
	Status            MessageStatus `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	ReferencedNoteIDs []string      `json:"referenced_note_ids,omitempty"`
}

type ChatSession struct {
	ID        string        `json:"id"`
	BookID    string        `json:"book_id"`
	Title     string        `json:"title"`
	Messages  []ChatMessage `json:"messages"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

const chatTitlePreviewLen = 50

// DisplayTitle falls back to the first reader message when no title was set.
func (c ChatSession) DisplayTitle() string {
	if c.Title != "" {
		return c.Title
	}
	for _, msg := range c.Messages {
		if msg.Role != ChatRoleUser {
			continue
		}
		if utf8.RuneCountInString(msg.Content) <= chatTitlePreviewLen {
			return msg.Content
		}
		return string([]rune(msg.Content)[:chatTitlePreviewLen]) + "..."
	}
	return "New conversation"
}
