package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"shelfnotes.io/reading-companion/internal/store"
)

func TestFinishWithInsightAndProgress(t *testing.T) {
	answerer := &fakeAnswerer{insight: "  Loneliness shapes the hero.  "}
	h := newHarness(t, answerer)
	reading := NewReadingService(h.sessions, h.books, h.notes, answerer, zaptest.NewLogger(t))

	sess, err := h.sessions.StartSession(h.book.ID, 10)
	require.NoError(t, err)
	_, err = h.pipeline.AddManualNote(context.Background(), "He walks alone", store.NoteTypeThought, CaptureTarget{BookID: h.book.ID, SessionID: &sess.ID})
	require.NoError(t, err)

	ended, err := reading.Finish(context.Background(), sess.ID, intPtr(40))
	require.NoError(t, err)
	require.NotNil(t, ended)
	assert.False(t, ended.IsActive)
	require.NotNil(t, ended.KeyInsight)
	assert.Equal(t, "Loneliness shapes the hero.", *ended.KeyInsight)
	assert.Equal(t, 30, ended.PagesRead())
	require.Len(t, answerer.insightFor, 1)
	assert.Len(t, answerer.insightFor[0], 1)

	book, err := h.books.Get(h.book.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, book.CurrentPage)
	assert.Equal(t, store.ReadingStatusReading, book.Status)
	assert.NotNil(t, book.DateStarted)
}

func TestFinishLastPageMarksFinished(t *testing.T) {
	answerer := &fakeAnswerer{}
	h := newHarness(t, answerer)
	reading := NewReadingService(h.sessions, h.books, h.notes, answerer, nil)

	sess, err := h.sessions.StartSession(h.book.ID, 250)
	require.NoError(t, err)
	ended, err := reading.Finish(context.Background(), sess.ID, intPtr(300))
	require.NoError(t, err)
	assert.Nil(t, ended.KeyInsight)
	// No notes, no insight request.
	assert.Empty(t, answerer.insightFor)

	book, _ := h.books.Get(h.book.ID)
	assert.Equal(t, store.ReadingStatusFinished, book.Status)
	assert.NotNil(t, book.DateFinished)
}

func TestFinishInsightFailureStillEnds(t *testing.T) {
	answerer := &fakeAnswerer{insightErr: errors.New("timeout")}
	h := newHarness(t, answerer)
	reading := NewReadingService(h.sessions, h.books, h.notes, answerer, nil)

	sess, err := h.sessions.StartSession(h.book.ID, 0)
	require.NoError(t, err)
	_, err = h.pipeline.AddManualNote(context.Background(), "note", store.NoteTypeThought, CaptureTarget{BookID: h.book.ID, SessionID: &sess.ID})
	require.NoError(t, err)

	ended, err := reading.Finish(context.Background(), sess.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, ended)
	assert.False(t, ended.IsActive)
	assert.Nil(t, ended.KeyInsight)
	assert.Nil(t, h.sessions.Active())

	book, _ := h.books.Get(h.book.ID)
	assert.Equal(t, 0, book.CurrentPage)
	assert.Equal(t, store.ReadingStatusWantToRead, book.Status)

	missing, err := reading.Finish(context.Background(), "nope", nil)
	require.NoError(t, err)
	assert.Nil(t, missing)
}
