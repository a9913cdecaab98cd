package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shelfnotes.io/reading-companion/internal/store"
)

func TestCaptureEmptyUtteranceCreatesNothing(t *testing.T) {
	h := newHarness(t, &fakeAnswerer{answer: "unused"})
	sess, err := h.sessions.StartSession(h.book.ID, 1)
	require.NoError(t, err)

	for _, text := range []string{"", "   ", "\n\t"} {
		note, err := h.pipeline.CaptureFinalUtterance(context.Background(), text, CaptureTarget{BookID: h.book.ID, SessionID: &sess.ID})
		require.NoError(t, err)
		assert.Nil(t, note)
	}

	require.NoError(t, h.fanout.Close())
	assert.Empty(t, h.notes.List(h.book.ID))
	got, err := h.sessRepo.Get(sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got.NoteIDs)
	assert.Nil(t, h.chats.ForBook(h.book.ID))
}

func TestCaptureQuestionGetsAnswerEventually(t *testing.T) {
	answerer := &fakeAnswerer{answer: "Because of dissolved minerals."}
	h := newHarness(t, answerer)
	sess, err := h.sessions.StartSession(h.book.ID, 10)
	require.NoError(t, err)

	note, err := h.pipeline.CaptureFinalUtterance(context.Background(), "Why is the sea salty?",
		CaptureTarget{BookID: h.book.ID, SessionID: &sess.ID, Page: intPtr(42)})
	require.NoError(t, err)
	require.NotNil(t, note)
	assert.Equal(t, store.NoteTypeQuestion, note.Type)
	assert.Equal(t, store.NoteSourceVoice, note.Source)
	assert.Equal(t, "Why is the sea salty?", note.Content)
	require.NotNil(t, note.Page)
	assert.Equal(t, 42, *note.Page)

	// Attach happens before the call returns.
	got, err := h.sessRepo.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{note.ID}, got.NoteIDs)

	require.Eventually(t, func() bool {
		n, _ := h.notes.Get(note.ID)
		return n != nil && n.AIResponse != nil
	}, 2*time.Second, 10*time.Millisecond)

	n, err := h.notes.Get(note.ID)
	require.NoError(t, err)
	assert.Equal(t, "Because of dissolved minerals.", *n.AIResponse)
	assert.Equal(t, []string{"Why is the sea salty?"}, answerer.askedQuestions())
	assert.Equal(t, "The Sea", answerer.contexts[0].Title)
}

func TestCaptureQuestionAnswerFailureLeavesResponseUnset(t *testing.T) {
	h := newHarness(t, &fakeAnswerer{err: errors.New("model overloaded")})

	note, err := h.pipeline.CaptureFinalUtterance(context.Background(), "how does this end?", CaptureTarget{BookID: h.book.ID})
	require.NoError(t, err)
	require.NotNil(t, note)

	require.NoError(t, h.fanout.Close())
	n, err := h.notes.Get(note.ID)
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Nil(t, n.AIResponse)
	assert.Equal(t, "how does this end?", n.Content)
}

func TestCaptureForwardsLabelledNoteToChat(t *testing.T) {
	h := newHarness(t, &fakeAnswerer{answer: "a"})

	_, err := h.pipeline.CaptureFinalUtterance(context.Background(), "quote: The sea is patient.", CaptureTarget{BookID: h.book.ID})
	require.NoError(t, err)
	_, err = h.pipeline.CaptureFinalUtterance(context.Background(), "He seems trustworthy.", CaptureTarget{BookID: h.book.ID})
	require.NoError(t, err)
	require.NoError(t, h.fanout.Close())

	thread := h.chats.ForBook(h.book.ID)
	require.NotNil(t, thread)
	contents := make([]string, 0, len(thread.Messages))
	for _, m := range thread.Messages {
		assert.Equal(t, store.ChatRoleUser, m.Role)
		assert.Len(t, m.ReferencedNoteIDs, 1)
		contents = append(contents, m.Content)
	}
	assert.ElementsMatch(t, []string{"Quote: The sea is patient.", "Thought: He seems trustworthy."}, contents)
}

func TestCaptureScanIsQuoteWithoutAnswer(t *testing.T) {
	answerer := &fakeAnswerer{answer: "should not be used"}
	h := newHarness(t, answerer)

	note, err := h.pipeline.CaptureScan(context.Background(), "«Why do we read?»", CaptureTarget{BookID: h.book.ID, Page: intPtr(0)})
	require.NoError(t, err)
	require.NotNil(t, note)
	assert.Equal(t, store.NoteTypeQuote, note.Type)
	assert.Equal(t, store.NoteSourceCamera, note.Source)
	assert.Nil(t, note.Page)

	require.NoError(t, h.fanout.Close())
	assert.Empty(t, answerer.askedQuestions())
	thread := h.chats.ForBook(h.book.ID)
	require.NotNil(t, thread)
	require.Len(t, thread.Messages, 1)
	assert.Equal(t, "Quote: «Why do we read?»", thread.Messages[0].Content)
}

func TestAskQuestionIsManualAndAnswered(t *testing.T) {
	answerer := &fakeAnswerer{answer: "It is a metaphor."}
	h := newHarness(t, answerer)

	_, err := h.pipeline.AskQuestion(context.Background(), "  ", CaptureTarget{BookID: h.book.ID})
	require.ErrorIs(t, err, ErrEmptyContent)

	note, err := h.pipeline.AskQuestion(context.Background(), "The lighthouse", CaptureTarget{BookID: h.book.ID})
	require.NoError(t, err)
	assert.Equal(t, store.NoteTypeQuestion, note.Type)
	assert.Equal(t, store.NoteSourceManual, note.Source)

	require.NoError(t, h.fanout.Close())
	n, _ := h.notes.Get(note.ID)
	require.NotNil(t, n.AIResponse)
	assert.Equal(t, "It is a metaphor.", *n.AIResponse)
}

func TestAddManualNoteKeepsType(t *testing.T) {
	answerer := &fakeAnswerer{answer: "unused"}
	h := newHarness(t, answerer)

	_, err := h.pipeline.AddManualNote(context.Background(), "text", "rant", CaptureTarget{BookID: h.book.ID})
	require.Error(t, err)

	note, err := h.pipeline.AddManualNote(context.Background(), "Why would anyone stay?", store.NoteTypeThought, CaptureTarget{BookID: h.book.ID})
	require.NoError(t, err)
	assert.Equal(t, store.NoteTypeThought, note.Type)
	assert.Equal(t, store.NoteSourceManual, note.Source)

	require.NoError(t, h.fanout.Close())
	assert.Empty(t, answerer.askedQuestions())
}

func TestCaptureSegmentedStoresEachSegment(t *testing.T) {
	answerer := &fakeAnswerer{answer: "yes"}
	h := newHarness(t, answerer)
	sess, err := h.sessions.StartSession(h.book.ID, 0)
	require.NoError(t, err)

	notes, err := h.pipeline.CaptureSegmented(context.Background(), "quote: A. quote: B.", CaptureTarget{BookID: h.book.ID, SessionID: &sess.ID})
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "A.", notes[0].Content)
	assert.Equal(t, "B.", notes[1].Content)
	for _, n := range notes {
		assert.Equal(t, store.NoteTypeQuote, n.Type)
	}

	got, _ := h.sessRepo.Get(sess.ID)
	assert.Equal(t, []string{notes[0].ID, notes[1].ID}, got.NoteIDs)
}

func TestManualEditRacingAnswerKeepsBoth(t *testing.T) {
	answerer := &fakeAnswerer{answer: "Patience.", gate: make(chan struct{})}
	h := newHarness(t, answerer)

	note, err := h.pipeline.CaptureFinalUtterance(context.Background(), "what is the theme?", CaptureTarget{BookID: h.book.ID})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(answerer.askedQuestions()) == 1 }, 2*time.Second, 5*time.Millisecond)
	_, err = h.notes.UpdateContent(note.ID, "What is the main theme?")
	require.NoError(t, err)
	close(answerer.gate)
	require.NoError(t, h.fanout.Close())

	n, err := h.notes.Get(note.ID)
	require.NoError(t, err)
	assert.Equal(t, "What is the main theme?", n.Content)
	require.NotNil(t, n.AIResponse)
	assert.Equal(t, "Patience.", *n.AIResponse)
	assert.Equal(t, store.NoteTypeQuestion, n.Type)
}

func TestDispatchAfterCloseIsLoggedNotFatal(t *testing.T) {
	h := newHarness(t, &fakeAnswerer{answer: "x"})
	require.NoError(t, h.fanout.Close())
	require.ErrorIs(t, h.fanout.Dispatch(store.Note{ID: "n", BookID: h.book.ID}, false), ErrFanOutClosed)

	note, err := h.pipeline.CaptureFinalUtterance(context.Background(), "still saved", CaptureTarget{BookID: h.book.ID})
	require.NoError(t, err)
	require.NotNil(t, note)
	assert.Len(t, h.notes.List(h.book.ID), 1)
}

func TestPositivePage(t *testing.T) {
	assert.Nil(t, positivePage(nil))
	assert.Nil(t, positivePage(intPtr(0)))
	assert.Nil(t, positivePage(intPtr(-3)))
	assert.Equal(t, 7, *positivePage(intPtr(7)))
}
