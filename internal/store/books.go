package store

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type BookRepository struct {
	c *collection[Book]
}

func NewBookRepository(d Durable, logger *zap.Logger) *BookRepository {
	return &BookRepository{c: openCollection[Book](d, KindBooks, logger)}
}

func cloneBook(b Book) Book {
	b.Genres = cloneStrings(b.Genres)
	return b
}

func (r *BookRepository) Create(book Book) (*Book, error) {
	if strings.TrimSpace(book.Title) == "" {
		return nil, fmt.Errorf("failed to create book: title is required")
	}
	if book.ID == "" {
		book.ID = uuid.New().String()
	}
	if book.DateAdded.IsZero() {
		book.DateAdded = time.Now()
	}
	if book.Status == "" {
		book.Status = ReadingStatusWantToRead
	}

	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if r.c.indexLocked(func(b *Book) bool { return b.ID == book.ID }) >= 0 {
		return nil, fmt.Errorf("failed to create book: id %s already exists", book.ID)
	}
	r.c.items = append(r.c.items, cloneBook(book))
	r.c.persistLocked()
	out := cloneBook(book)
	return &out, nil
}

func (r *BookRepository) Get(id string) (*Book, error) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	i := r.c.indexLocked(func(b *Book) bool { return b.ID == id })
	if i < 0 {
		return nil, nil
	}
	out := cloneBook(r.c.items[i])
	return &out, nil
}

// List returns books most recently added first, optionally by status.
func (r *BookRepository) List(status ReadingStatus) []Book {
	r.c.mu.Lock()
	out := make([]Book, 0, len(r.c.items))
	for _, b := range r.c.items {
		if status != "" && b.Status != status {
			continue
		}
		out = append(out, cloneBook(b))
	}
	r.c.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].DateAdded.After(out[j].DateAdded) })
	return out
}

// Update applies fn to the stored book in place. The id is kept.
func (r *BookRepository) Update(id string, fn func(b *Book)) (*Book, error) {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	i := r.c.indexLocked(func(b *Book) bool { return b.ID == id })
	if i < 0 {
		return nil, nil
	}
	b := cloneBook(r.c.items[i])
	fn(&b)
	b.ID = id
	r.c.items[i] = cloneBook(b)
	r.c.persistLocked()
	return &b, nil
}

func (r *BookRepository) Delete(id string) bool {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	i := r.c.indexLocked(func(b *Book) bool { return b.ID == id })
	if i < 0 {
		return false
	}
	r.c.items = append(r.c.items[:i], r.c.items[i+1:]...)
	r.c.persistLocked()
	return true
}
