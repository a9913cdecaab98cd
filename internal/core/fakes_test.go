package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"shelfnotes.io/reading-companion/internal/store"
)

type fakeAnswerer struct {
	mu         sync.Mutex
	answer     string
	err        error
	gate       chan struct{}
	questions  []string
	contexts   []BookContext
	insight    string
	insightErr error
	insightFor [][]store.Note
}

func (f *fakeAnswerer) Answer(ctx context.Context, question string, book BookContext, _ *string) (string, error) {
	f.mu.Lock()
	f.questions = append(f.questions, question)
	f.contexts = append(f.contexts, book)
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answer, f.err
}

func (f *fakeAnswerer) Insight(_ context.Context, _ BookContext, notes []store.Note) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insightFor = append(f.insightFor, notes)
	return f.insight, f.insightErr
}

func (f *fakeAnswerer) askedQuestions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.questions...)
}

type fakeChatModel struct {
	mu        sync.Mutex
	reply     string
	err       error
	histories [][]store.ChatMessage
	notes     [][]store.Note
	// When gate is set, Reply reports on started and waits for gate.
	gate      chan struct{}
	started   chan struct{}
}

func (f *fakeChatModel) Reply(_ context.Context, _ BookContext, history []store.ChatMessage, notes []store.Note, _ string) (string, error) {
	if f.gate != nil {
		f.started <- struct{}{}
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histories = append(f.histories, history)
	f.notes = append(f.notes, notes)
	return f.reply, f.err
}

type harness struct {
	books    *store.BookRepository
	notes    *store.NoteRepository
	sessRepo *store.SessionRepository
	chats    *store.ChatRepository
	sessions *SessionService
	chat     *ChatService
	fanout   *FanOut
	pipeline *NotePipeline
	answerer *fakeAnswerer
	book     *store.Book
}

func newHarness(t *testing.T, answerer *fakeAnswerer) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	durable := store.NewMemoryStore()

	h := &harness{
		books:    store.NewBookRepository(durable, logger),
		notes:    store.NewNoteRepository(durable, logger),
		sessRepo: store.NewSessionRepository(durable, logger),
		chats:    store.NewChatRepository(durable, logger),
		answerer: answerer,
	}
	h.sessions = NewSessionService(h.sessRepo, logger)
	retriever := NewNoteRetriever(h.notes, nil, logger)
	h.chat = NewChatService(h.chats, h.books, retriever, &fakeChatModel{reply: "ok"}, logger)

	var err error
	h.fanout, err = NewFanOut(FanOutDeps{
		Chat:      h.chat,
		Answerer:  answerer,
		Notes:     h.notes,
		Books:     h.books,
		Retriever: retriever,
	}, 5*time.Second, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.fanout.Close() })

	h.pipeline = NewNotePipeline(h.notes, h.sessions, h.fanout, logger)

	pages := 300
	h.book, err = h.books.Create(store.Book{Title: "The Sea", Author: "A. Writer", PageCount: &pages})
	require.NoError(t, err)
	return h
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
