package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"shelfnotes.io/reading-companion/internal/store"
	"shelfnotes.io/reading-companion/internal/utils"
)

const (
	NumRelevantNotes    = 5   // Notes handed to the AI as context
	SimilarityThreshold = 0.6 // Minimum similarity for a note to count as related
	maxCandidateNotes   = 50  // Most recent notes considered per query
)

// NoteRetriever picks the reader's notes most related to a question.
type NoteRetriever struct {
	notes    *store.NoteRepository
	embedder Embedder
	vectors  *cache.Cache
	logger   *zap.Logger
}

// NewNoteRetriever works without an embedder; it then falls back to the most
// recent notes.
func NewNoteRetriever(notes *store.NoteRepository, embedder Embedder, logger *zap.Logger) *NoteRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NoteRetriever{
		notes:    notes,
		embedder: embedder,
		vectors:  cache.New(6*time.Hour, 30*time.Minute),
		logger:   logger,
	}
}

// Relevant returns at most limit notes of the book, best match first. The
// note named by excludeID is skipped.
func (r *NoteRetriever) Relevant(ctx context.Context, bookID, query, excludeID string, limit int) []store.Note {
	if limit <= 0 {
		limit = NumRelevantNotes
	}
	candidates := r.notes.List(bookID)
	filtered := candidates[:0]
	for _, n := range candidates {
		if n.ID != excludeID && strings.TrimSpace(n.Content) != "" {
			filtered = append(filtered, n)
		}
	}
	candidates = filtered
	if len(candidates) > maxCandidateNotes {
		candidates = candidates[:maxCandidateNotes]
	}
	if len(candidates) == 0 {
		return nil
	}

	if r.embedder == nil || strings.TrimSpace(query) == "" {
		return recent(candidates, limit)
	}

	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.logger.Warn("Failed to embed query, using recent notes", zap.Error(err))
		return recent(candidates, limit)
	}

	scored := make([]utils.Scored[store.Note], 0, len(candidates))
	for _, n := range candidates {
		vec, err := r.noteVector(ctx, n)
		if err != nil {
			r.logger.Debug("Skipping note without embedding", zap.String("note_id", n.ID), zap.Error(err))
			continue
		}
		similarity, err := utils.CosineSimilarity(queryVec, vec)
		if err != nil {
			continue
		}
		scored = append(scored, utils.Scored[store.Note]{Item: n, Score: similarity})
	}

	top := utils.TopK(scored, limit, SimilarityThreshold)
	out := make([]store.Note, len(top))
	for i, s := range top {
		out[i] = s.Item
	}
	r.logger.Debug("Retrieved related notes", zap.String("book_id", bookID), zap.Int("count", len(out)))
	return out
}

// NoteContext renders the related notes as one block, or nil when none.
func (r *NoteRetriever) NoteContext(ctx context.Context, bookID, query, excludeID string) *string {
	related := r.Relevant(ctx, bookID, query, excludeID, NumRelevantNotes)
	if len(related) == 0 {
		return nil
	}
	text := formatNotes(related)
	return &text
}

func (r *NoteRetriever) noteVector(ctx context.Context, n store.Note) ([]float32, error) {
	key := fmt.Sprintf("%s@%d", n.ID, n.UpdatedAt.UnixNano())
	if v, ok := r.vectors.Get(key); ok {
		return v.([]float32), nil
	}
	vec, err := r.embedder.Embed(ctx, n.Content)
	if err != nil {
		return nil, err
	}
	r.vectors.Set(key, vec, cache.DefaultExpiration)
	return vec, nil
}

func recent(notes []store.Note, limit int) []store.Note {
	if len(notes) > limit {
		notes = notes[:limit]
	}
	return notes
}
