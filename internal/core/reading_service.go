package core

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"shelfnotes.io/reading-companion/internal/store"
)

// ReadingService closes a session the way a reader finishes sitting with a
// book: an insight from the session's notes and the book's progress.
type ReadingService struct {
	sessions *SessionService
	books    *store.BookRepository
	notes    *store.NoteRepository
	answerer Answerer
	logger   *zap.Logger
}

func NewReadingService(sessions *SessionService, books *store.BookRepository, notes *store.NoteRepository, answerer Answerer, logger *zap.Logger) *ReadingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReadingService{sessions: sessions, books: books, notes: notes, answerer: answerer, logger: logger}
}

// Finish ends the session. An insight is requested only when the session
// has notes; if that fails the session still ends without one. Unknown ids
// return nil, nil.
func (s *ReadingService) Finish(ctx context.Context, sessionID string, endPage *int) (*store.ReadingSession, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}
	logger := s.logger.With(zap.String("session_id", sessionID), zap.String("book_id", sess.BookID))

	book, _ := s.books.Get(sess.BookID)
	insight := s.insight(ctx, logger, book, sess.NoteIDs)

	ended, err := s.sessions.EndSession(sessionID, endPage, insight)
	if err != nil || ended == nil {
		return ended, err
	}

	if endPage != nil && *endPage > 0 && book != nil {
		s.updateProgress(book.ID, *endPage, logger)
	}
	return ended, nil
}

func (s *ReadingService) insight(ctx context.Context, logger *zap.Logger, book *store.Book, noteIDs []string) *string {
	if s.answerer == nil || len(noteIDs) == 0 {
		return nil
	}
	notes := make([]store.Note, 0, len(noteIDs))
	for _, id := range noteIDs {
		if n, _ := s.notes.Get(id); n != nil {
			notes = append(notes, *n)
		}
	}
	if len(notes) == 0 {
		return nil
	}
	text, err := s.answerer.Insight(ctx, NewBookContext(book), notes)
	if err != nil {
		logger.Warn("Failed to generate session insight", zap.Error(err))
		return nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return &text
}

func (s *ReadingService) updateProgress(bookID string, endPage int, logger *zap.Logger) {
	now := s.sessions.now()
	updated, err := s.books.Update(bookID, func(b *store.Book) {
		b.CurrentPage = endPage
		switch {
		case b.PageCount != nil && endPage >= *b.PageCount:
			b.Status = store.ReadingStatusFinished
			b.DateFinished = &now
		case b.Status == store.ReadingStatusWantToRead:
			b.Status = store.ReadingStatusReading
			b.DateStarted = &now
		}
	})
	if err != nil || updated == nil {
		logger.Warn("Failed to update book progress", zap.Error(err))
		return
	}
	logger.Info("Book progress updated", zap.Int("current_page", updated.CurrentPage), zap.String("status", string(updated.Status)))
}
