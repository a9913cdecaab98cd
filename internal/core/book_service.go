package core

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"shelfnotes.io/reading-companion/internal/store"
)

var (
	ErrBookNotFound = errors.New("book not found")
	ErrNoteNotFound = errors.New("note not found")
)

// BookPatch carries the fields a reader may change; nil means keep.
type BookPatch struct {
	Title       *string              `json:"title,omitempty"`
	Author      *string              `json:"author,omitempty"`
	Status      *store.ReadingStatus `json:"status,omitempty"`
	CurrentPage *int                 `json:"current_page,omitempty"`
	PageCount   *int                 `json:"page_count,omitempty"`
	Summary     *string              `json:"summary,omitempty"`
	CoverURL    *string              `json:"cover_url,omitempty"`
}

// BookService manages the library and the notes that hang off each book.
type BookService struct {
	books    *store.BookRepository
	notes    *store.NoteRepository
	sessions *store.SessionRepository
	logger   *zap.Logger
	now      func() time.Time
}

func NewBookService(books *store.BookRepository, notes *store.NoteRepository, sessions *store.SessionRepository, logger *zap.Logger) *BookService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BookService{books: books, notes: notes, sessions: sessions, logger: logger, now: time.Now}
}

func (s *BookService) Add(book store.Book) (*store.Book, error) {
	book.Title = strings.TrimSpace(book.Title)
	book.Author = strings.TrimSpace(book.Author)
	if book.Author == "" {
		book.Author = unknownAuthor
	}
	saved, err := s.books.Create(book)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Book added", zap.String("book_id", saved.ID), zap.String("title", saved.Title))
	return saved, nil
}

func (s *BookService) Get(id string) (*store.Book, error) {
	b, err := s.books.Get(id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrBookNotFound
	}
	return b, nil
}

func (s *BookService) List(status store.ReadingStatus) []store.Book {
	return s.books.List(status)
}

// Search matches title or author without case. An empty query lists all.
func (s *BookService) Search(query string) []store.Book {
	all := s.books.List("")
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return all
	}
	out := all[:0]
	for _, b := range all {
		if strings.Contains(strings.ToLower(b.Title), query) || strings.Contains(strings.ToLower(b.Author), query) {
			out = append(out, b)
		}
	}
	return out
}

func (s *BookService) Update(id string, patch BookPatch) (*store.Book, error) {
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return nil, fmt.Errorf("failed to update book: title is required")
	}
	now := s.now()
	updated, err := s.books.Update(id, func(b *store.Book) {
		if patch.Title != nil {
			b.Title = strings.TrimSpace(*patch.Title)
		}
		if patch.Author != nil {
			b.Author = strings.TrimSpace(*patch.Author)
		}
		if patch.CurrentPage != nil && *patch.CurrentPage >= 0 {
			b.CurrentPage = *patch.CurrentPage
		}
		if patch.PageCount != nil {
			v := *patch.PageCount
			b.PageCount = &v
		}
		if patch.Summary != nil {
			v := *patch.Summary
			b.Summary = &v
		}
		if patch.CoverURL != nil {
			v := *patch.CoverURL
			b.CoverURL = &v
		}
		if patch.Status != nil && *patch.Status != b.Status {
			b.Status = *patch.Status
			switch b.Status {
			case store.ReadingStatusReading:
				if b.DateStarted == nil {
					b.DateStarted = &now
				}
			case store.ReadingStatusFinished:
				b.DateFinished = &now
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, ErrBookNotFound
	}
	return updated, nil
}

// Delete removes a book and its notes. Sessions stay, minus the note ids.
func (s *BookService) Delete(id string) error {
	notes := s.notes.List(id)
	if !s.books.Delete(id) {
		return ErrBookNotFound
	}
	removed := s.notes.DeleteByBook(id)
	for _, n := range notes {
		s.sessions.DetachNote(n.ID)
	}
	s.logger.Info("Book deleted", zap.String("book_id", id), zap.Int("notes_removed", removed))
	return nil
}

func (s *BookService) Notes(bookID string) []store.Note {
	return s.notes.List(bookID)
}

func (s *BookService) Note(id string) (*store.Note, error) {
	n, err := s.notes.Get(id)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, ErrNoteNotFound
	}
	return n, nil
}

// EditNote replaces a note's content. The type and any AI answer are kept.
func (s *BookService) EditNote(id, content string) (*store.Note, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	n, err := s.notes.UpdateContent(id, content)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, ErrNoteNotFound
	}
	return n, nil
}

func (s *BookService) DeleteNote(id string) error {
	if !s.notes.Delete(id) {
		return ErrNoteNotFound
	}
	s.sessions.DetachNote(id)
	return nil
}

// SearchNotes is a case-insensitive substring search; bookID may be empty.
func (s *BookService) SearchNotes(query, bookID string) []store.Note {
	return s.notes.Search(query, bookID)
}

func (s *BookService) NoteCounts(bookID string) map[store.NoteType]int {
	return s.notes.CountByType(bookID)
}

// ImportCSV reads "title,author[,isbn]" rows after a header line and adds
// each book. Rows without a title are skipped.
func (s *BookService) ImportCSV(r io.Reader) ([]store.Book, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var imported []store.Book
	header := true
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return imported, fmt.Errorf("failed to read csv: %w", err)
		}
		if header {
			header = false
			continue
		}
		if len(record) < 2 || strings.TrimSpace(record[0]) == "" {
			continue
		}
		book := store.Book{Title: record[0], Author: record[1]}
		if len(record) > 2 {
			if isbn := CleanISBN(record[2]); isbn != "" {
				book.ISBN = &isbn
			}
		}
		saved, err := s.Add(book)
		if err != nil {
			return imported, err
		}
		imported = append(imported, *saved)
	}
	return imported, nil
}
