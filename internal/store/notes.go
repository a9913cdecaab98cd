package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type NoteRepository struct {
	c *collection[Note]
}

func NewNoteRepository(d Durable, logger *zap.Logger) *NoteRepository {
	return &NoteRepository{c: openCollection[Note](d, KindNotes, logger)}
}

func cloneNote(n Note) Note {
	if n.SessionID != nil {
		v := *n.SessionID
		n.SessionID = &v
	}
	if n.Page != nil {
		v := *n.Page
		n.Page = &v
	}
	if n.AIResponse != nil {
		v := *n.AIResponse
		n.AIResponse = &v
	}
	return n
}

// Create stores a new note. ID and timestamps are filled in when unset.
func (r *NoteRepository) Create(note Note) (*Note, error) {
	if note.BookID == "" {
		return nil, fmt.Errorf("failed to create note: book id is required")
	}
	if !note.Type.Valid() {
		return nil, fmt.Errorf("failed to create note: unknown type %q", note.Type)
	}
	if note.ID == "" {
		note.ID = uuid.New().String()
	}
	now := time.Now()
	if note.CreatedAt.IsZero() {
		note.CreatedAt = now
	}
	if note.UpdatedAt.IsZero() {
		note.UpdatedAt = note.CreatedAt
	}

	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if r.c.indexLocked(func(n *Note) bool { return n.ID == note.ID }) >= 0 {
		return nil, fmt.Errorf("failed to create note: id %s already exists", note.ID)
	}
	r.c.items = append(r.c.items, cloneNote(note))
	r.c.persistLocked()
	out := cloneNote(note)
	return &out, nil
}

func (r *NoteRepository) Get(id string) (*Note, error) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	i := r.c.indexLocked(func(n *Note) bool { return n.ID == id })
	if i < 0 {
		return nil, nil // Not found
	}
	out := cloneNote(r.c.items[i])
	return &out, nil
}

// List returns notes newest first, optionally restricted to one book.
func (r *NoteRepository) List(bookID string) []Note {
	r.c.mu.Lock()
	out := make([]Note, 0, len(r.c.items))
	for _, n := range r.c.items {
		if bookID != "" && n.BookID != bookID {
			continue
		}
		out = append(out, cloneNote(n))
	}
	r.c.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Search matches content case-insensitively.
func (r *NoteRepository) Search(query, bookID string) []Note {
	needle := strings.ToLower(strings.TrimSpace(query))
	all := r.List(bookID)
	if needle == "" {
		return all
	}
	out := all[:0]
	for _, n := range all {
		if strings.Contains(strings.ToLower(n.Content), needle) {
			out = append(out, n)
		}
	}
	return out
}

// SetAIResponse patches only the answer field. Returns false when the note
// no longer exists.
func (r *NoteRepository) SetAIResponse(id, response string) bool {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	i := r.c.indexLocked(func(n *Note) bool { return n.ID == id })
	if i < 0 {
		return false
	}
	r.c.items[i].AIResponse = &response
	r.c.items[i].UpdatedAt = time.Now()
	r.c.persistLocked()
	return true
}

// UpdateContent patches only the content field.
func (r *NoteRepository) UpdateContent(id, content string) (*Note, error) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	i := r.c.indexLocked(func(n *Note) bool { return n.ID == id })
	if i < 0 {
		return nil, nil
	}
	r.c.items[i].Content = content
	r.c.items[i].UpdatedAt = time.Now()
	r.c.persistLocked()
	out := cloneNote(r.c.items[i])
	return &out, nil
}

func (r *NoteRepository) Delete(id string) bool {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	i := r.c.indexLocked(func(n *Note) bool { return n.ID == id })
	if i < 0 {
		return false
	}
	r.c.items = append(r.c.items[:i], r.c.items[i+1:]...)
	r.c.persistLocked()
	return true
}

// DeleteByBook removes every note of a book and reports how many went.
func (r *NoteRepository) DeleteByBook(bookID string) int {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	kept := r.c.items[:0]
	removed := 0
	for _, n := range r.c.items {
		if n.BookID == bookID {
			removed++
			continue
		}
		kept = append(kept, n)
	}
	r.c.items = kept
	if removed > 0 {
		r.c.persistLocked()
	}
	return removed
}

// CountByType tallies notes per type, optionally for one book.
func (r *NoteRepository) CountByType(bookID string) map[NoteType]int {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	counts := map[NoteType]int{NoteTypeThought: 0, NoteTypeQuote: 0, NoteTypeQuestion: 0}
	for _, n := range r.c.items {
		if bookID != "" && n.BookID != bookID {
			continue
		}
		counts[n.Type]++
	}
	return counts
}
