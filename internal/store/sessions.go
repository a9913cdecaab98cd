package store

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

type SessionRepository struct {
	c *collection[ReadingSession]
}

func NewSessionRepository(d Durable, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{c: openCollection[ReadingSession](d, KindSessions, logger)}
}

func cloneSession(s ReadingSession) ReadingSession {
	if s.EndTime != nil {
		v := *s.EndTime
		s.EndTime = &v
	}
	if s.EndPage != nil {
		v := *s.EndPage
		s.EndPage = &v
	}
	if s.KeyInsight != nil {
		v := *s.KeyInsight
		s.KeyInsight = &v
	}
	s.NoteIDs = cloneStrings(s.NoteIDs)
	return s
}

func cloneSessions(in []ReadingSession) []ReadingSession {
	out := make([]ReadingSession, len(in))
	for i, s := range in {
		out[i] = cloneSession(s)
	}
	return out
}

// Update runs fn against a private copy of every session and commits the
// returned slice as one write. Callers holding no other lock get an atomic
// check-and-set over the whole collection. A non-nil error from fn discards
// the copy.
func (r *SessionRepository) Update(fn func(sessions []ReadingSession) ([]ReadingSession, error)) error {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	next, err := fn(cloneSessions(r.c.items))
	if err != nil {
		return err
	}
	r.c.items = cloneSessions(next)
	r.c.persistLocked()
	return nil
}

// All returns sessions in insertion order.
func (r *SessionRepository) All() []ReadingSession {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	return cloneSessions(r.c.items)
}

func (r *SessionRepository) Get(id string) (*ReadingSession, error) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	i := r.c.indexLocked(func(s *ReadingSession) bool { return s.ID == id })
	if i < 0 {
		return nil, nil
	}
	out := cloneSession(r.c.items[i])
	return &out, nil
}

// Create appends a session without touching the others.
func (r *SessionRepository) Create(session ReadingSession) error {
	if session.ID == "" || session.BookID == "" {
		return fmt.Errorf("failed to create session: id and book id are required")
	}
	if session.StartTime.IsZero() {
		session.StartTime = time.Now()
	}
	return r.Update(func(sessions []ReadingSession) ([]ReadingSession, error) {
		for _, s := range sessions {
			if s.ID == session.ID {
				return nil, fmt.Errorf("failed to create session: id %s already exists", session.ID)
			}
		}
		return append(sessions, session), nil
	})
}

// DetachNote drops a note id from every session that references it.
func (r *SessionRepository) DetachNote(noteID string) {
	_ = r.Update(func(sessions []ReadingSession) ([]ReadingSession, error) {
		for i := range sessions {
			ids := sessions[i].NoteIDs[:0]
			for _, id := range sessions[i].NoteIDs {
				if id != noteID {
					ids = append(ids, id)
				}
			}
			sessions[i].NoteIDs = ids
		}
		return sessions, nil
	})
}
