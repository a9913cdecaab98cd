package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ChatRepository struct {
	c *collection[ChatSession]
}

func NewChatRepository(d Durable, logger *zap.Logger) *ChatRepository {
	return &ChatRepository{c: openCollection[ChatSession](d, KindChats, logger)}
}

func cloneChat(s ChatSession) ChatSession {
	msgs := make([]ChatMessage, len(s.Messages))
	for i, m := range s.Messages {
		m.ReferencedNoteIDs = cloneStrings(m.ReferencedNoteIDs)
		msgs[i] = m
	}
	s.Messages = msgs
	return s
}

// ForBook returns the book's running thread, or nil when none exists yet.
func (r *ChatRepository) ForBook(bookID string) *ChatSession {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	i := r.c.indexLocked(func(s *ChatSession) bool { return s.BookID == bookID })
	if i < 0 {
		return nil
	}
	out := cloneChat(r.c.items[i])
	return &out
}

// GetOrCreate returns the book's thread, creating an empty one on first use.
func (r *ChatRepository) GetOrCreate(bookID string) (*ChatSession, error) {
	if bookID == "" {
		return nil, fmt.Errorf("failed to create chat: book id is required")
	}
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	out := cloneChat(r.c.items[r.ensureLocked(bookID)])
	return &out, nil
}

func (r *ChatRepository) ensureLocked(bookID string) int {
	i := r.c.indexLocked(func(s *ChatSession) bool { return s.BookID == bookID })
	if i >= 0 {
		return i
	}
	now := time.Now()
	session := ChatSession{
		ID:        uuid.New().String(),
		BookID:    bookID,
		Messages:  []ChatMessage{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	// Newest thread first.
	r.c.items = append([]ChatSession{session}, r.c.items...)
	r.c.persistLocked()
	return 0
}

// Append adds messages to the book's thread, creating it when needed.
// Message ids, chat ids and timestamps are filled in.
func (r *ChatRepository) Append(bookID string, msgs ...ChatMessage) ([]ChatMessage, error) {
	if bookID == "" {
		return nil, fmt.Errorf("failed to append chat message: book id is required")
	}
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	i := r.ensureLocked(bookID)
	session := &r.c.items[i]

	now := time.Now()
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		if m.Status == "" {
			m.Status = MessageStatusSent
		}
		m.BookID = bookID
		m.ChatID = session.ID
		m.ReferencedNoteIDs = cloneStrings(m.ReferencedNoteIDs)
		session.Messages = append(session.Messages, m)
		m.ReferencedNoteIDs = cloneStrings(m.ReferencedNoteIDs)
		out = append(out, m)
	}
	session.UpdatedAt = now
	r.c.persistLocked()
	return out, nil
}

// SetTitle sets an explicit title. Returns false for an unknown chat.
func (r *ChatRepository) SetTitle(chatID, title string) bool {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	i := r.c.indexLocked(func(s *ChatSession) bool { return s.ID == chatID })
	if i < 0 {
		return false
	}
	r.c.items[i].Title = title
	r.c.items[i].UpdatedAt = time.Now()
	r.c.persistLocked()
	return true
}

func (r *ChatRepository) List() []ChatSession {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	out := make([]ChatSession, len(r.c.items))
	for i, s := range r.c.items {
		out[i] = cloneChat(s)
	}
	return out
}

func (r *ChatRepository) Delete(chatID string) bool {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	i := r.c.indexLocked(func(s *ChatSession) bool { return s.ID == chatID })
	if i < 0 {
		return false
	}
	r.c.items = append(r.c.items[:i], r.c.items[i+1:]...)
	r.c.persistLocked()
	return true
}
