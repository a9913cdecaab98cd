package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"shelfnotes.io/reading-companion/internal/auth"
	"shelfnotes.io/reading-companion/internal/capture"
	"shelfnotes.io/reading-companion/internal/core"
	"shelfnotes.io/reading-companion/internal/store"
)

type stubAI struct{}

func (stubAI) Answer(context.Context, string, core.BookContext, *string) (string, error) {
	return "Because the author says so.", nil
}

func (stubAI) Insight(context.Context, core.BookContext, []store.Note) (string, error) {
	return "A quiet session.", nil
}

func (stubAI) Reply(context.Context, core.BookContext, []store.ChatMessage, []store.Note, string) (string, error) {
	return "Let's talk about it.", nil
}

type stubController struct {
	startErr error
}

func (c stubController) Start(context.Context) error { return c.startErr }
func (c stubController) Stop() (string, bool)        { return "", false }
func (c stubController) Status() capture.Status      { return capture.Status{State: capture.StateIdle} }

type testAPI struct {
	srv   *httptest.Server
	token string
	notes *store.NoteRepository
}

func newTestAPI(t *testing.T, voiceStartErr error, withVoice bool) *testAPI {
	t.Helper()
	logger := zaptest.NewLogger(t)
	durable := store.NewMemoryStore()
	books := store.NewBookRepository(durable, logger)
	notes := store.NewNoteRepository(durable, logger)
	sessRepo := store.NewSessionRepository(durable, logger)
	chats := store.NewChatRepository(durable, logger)

	sessions := core.NewSessionService(sessRepo, logger)
	retriever := core.NewNoteRetriever(notes, nil, logger)
	chat := core.NewChatService(chats, books, retriever, stubAI{}, logger)
	fanout, err := core.NewFanOut(core.FanOutDeps{Chat: chat, Answerer: stubAI{}, Notes: notes, Books: books, Retriever: retriever}, 5*time.Second, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fanout.Close() })
	pipeline := core.NewNotePipeline(notes, sessions, fanout, logger)

	svc := Services{
		Books:    core.NewBookService(books, notes, sessRepo, logger),
		Sessions: sessions,
		Reading:  core.NewReadingService(sessions, books, notes, stubAI{}, logger),
		Pipeline: pipeline,
		Chat:     chat,
	}
	if withVoice {
		voice := core.NewVoiceNotes(pipeline, logger)
		voice.Attach(stubController{startErr: voiceStartErr})
		svc.Voice = voice
	}

	issuer, err := auth.NewIssuer("test-secret", time.Hour)
	require.NoError(t, err)
	token, err := issuer.Generate("reader")
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(NewAPIHandler(svc, issuer, logger)))
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, token: token, notes: notes}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (a *testAPI) createBook(t *testing.T, title string) store.Book {
	t.Helper()
	var book store.Book
	require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/api/books", map[string]interface{}{"title": title, "page_count": 200}, &book))
	return book
}

func TestHealthAndAuth(t *testing.T) {
	a := newTestAPI(t, nil, false)

	resp, err := http.Get(a.srv.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(a.srv.URL + "/api/books")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	a.token = "garbage"
	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodGet, "/api/books", nil, nil))
}

func TestBookEndpoints(t *testing.T) {
	a := newTestAPI(t, nil, false)

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/api/books", map[string]string{"author": "x"}, nil))
	book := a.createBook(t, "Moby-Dick")
	assert.Equal(t, "Unknown author", book.Author)

	var got store.Book
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/books/"+book.ID, nil, &got))
	assert.Equal(t, "Moby-Dick", got.Title)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/api/books/missing", nil, nil))

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPatch, "/api/books/"+book.ID, map[string]string{"status": "sleeping"}, nil))
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodPatch, "/api/books/"+book.ID, map[string]string{"status": "reading"}, &got))
	assert.Equal(t, store.ReadingStatusReading, got.Status)

	var list []store.Book
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/books?q=moby", nil, &list))
	assert.Len(t, list, 1)

	assert.Equal(t, http.StatusNoContent, a.do(t, http.MethodDelete, "/api/books/"+book.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/api/books/"+book.ID+"/notes", nil, nil))
}

func TestUtteranceAttachesToActiveSession(t *testing.T) {
	a := newTestAPI(t, nil, false)
	book := a.createBook(t, "Dune")

	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodPost, "/api/sessions", map[string]interface{}{"book_id": "missing"}, nil))
	var sess store.ReadingSession
	require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/api/sessions", map[string]interface{}{"book_id": book.ID, "start_page": 5}, &sess))

	var notes []store.Note
	require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/api/books/"+book.ID+"/utterances", map[string]interface{}{"text": "quote: Fear is the mind-killer.", "page": 8}, &notes))
	require.Len(t, notes, 1)
	assert.Equal(t, store.NoteTypeQuote, notes[0].Type)
	assert.Equal(t, "Fear is the mind-killer.", notes[0].Content)
	require.NotNil(t, notes[0].SessionID)
	assert.Equal(t, sess.ID, *notes[0].SessionID)

	require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/api/books/"+book.ID+"/utterances", map[string]interface{}{"text": "   "}, &notes))
	assert.Empty(t, notes)

	var got store.ReadingSession
	require.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/sessions/"+sess.ID, nil, &got))
	assert.Len(t, got.NoteIDs, 1)

	var ended store.ReadingSession
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/end", map[string]interface{}{"end_page": 30, "finish": true}, &ended))
	assert.False(t, ended.IsActive)
	require.NotNil(t, ended.KeyInsight)
	assert.Equal(t, "A quiet session.", *ended.KeyInsight)
	assert.Equal(t, http.StatusNoContent, a.do(t, http.MethodGet, "/api/sessions/active", nil, nil))
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodPost, "/api/sessions/missing/end", map[string]interface{}{}, nil))
}

func TestAskQuestionIsAnsweredInBackground(t *testing.T) {
	a := newTestAPI(t, nil, false)
	book := a.createBook(t, "Dune")

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, "/api/books/"+book.ID+"/questions", map[string]string{}, nil))

	var note store.Note
	require.Equal(t, http.StatusAccepted, a.do(t, http.MethodPost, "/api/books/"+book.ID+"/questions", map[string]string{"question": "Who are the Fremen?"}, &note))
	assert.Equal(t, store.NoteSourceManual, note.Source)

	require.Eventually(t, func() bool {
		var got store.Note
		return a.do(t, http.MethodGet, "/api/notes/"+note.ID, nil, &got) == http.StatusOK && got.AIResponse != nil
	}, 2*time.Second, 20*time.Millisecond)

	// The question is echoed into the chat.
	require.Eventually(t, func() bool {
		var thread ChatResponse
		return a.do(t, http.MethodGet, "/api/books/"+book.ID+"/chat", nil, &thread) == http.StatusOK &&
			len(thread.Messages) == 1 && thread.Messages[0].Content == "Question: Who are the Fremen?"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestScanTextAndChat(t *testing.T) {
	a := newTestAPI(t, nil, false)
	book := a.createBook(t, "Walden")

	var note store.Note
	require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/api/books/"+book.ID+"/scans", map[string]string{"text": "I went to the woods\n\n12\nbecause I wished"}, &note))
	assert.Equal(t, "«I went to the woods because I wished»", note.Content)
	assert.Equal(t, store.NoteSourceCamera, note.Source)

	var reply store.ChatMessage
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/books/"+book.ID+"/chat/messages", map[string]string{"content": "Why the woods?"}, &reply))
	assert.Equal(t, "Let's talk about it.", reply.Content)

	var edited store.Note
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPatch, "/api/notes/"+note.ID, map[string]string{"content": "«edited»"}, &edited))
	assert.Equal(t, "«edited»", edited.Content)

	var found []store.Note
	require.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/notes/search?q=EDITED", nil, &found))
	assert.Len(t, found, 1)
}

func TestCaptureErrorsMapToStatus(t *testing.T) {
	a := newTestAPI(t, nil, false)
	book := a.createBook(t, "Dune")
	assert.Equal(t, http.StatusServiceUnavailable, a.do(t, http.MethodPost, "/api/capture/start", map[string]string{"book_id": book.ID}, nil))

	cases := []struct {
		err  error
		want int
	}{
		{capture.ErrNotAuthorized, http.StatusPreconditionFailed},
		{capture.ErrNotAvailable, http.StatusServiceUnavailable},
		{errors.Join(capture.ErrAudioSessionFailed, errors.New("busy")), http.StatusConflict},
	}
	for _, tc := range cases {
		a := newTestAPI(t, tc.err, true)
		book := a.createBook(t, "Dune")
		assert.Equal(t, tc.want, a.do(t, http.MethodPost, "/api/capture/start", map[string]string{"book_id": book.ID}, nil), tc.err.Error())
		assert.Equal(t, http.StatusConflict, a.do(t, http.MethodPost, "/api/capture/stop", nil, nil))
	}

	ok := newTestAPI(t, nil, true)
	book = ok.createBook(t, "Dune")
	var status core.VoiceStatus
	assert.Equal(t, http.StatusAccepted, ok.do(t, http.MethodPost, "/api/capture/start", map[string]string{"book_id": book.ID}, &status))
	assert.Equal(t, book.ID, status.BookID)
	assert.Equal(t, http.StatusNotFound, ok.do(t, http.MethodPost, "/api/capture/start", map[string]string{"book_id": "missing"}, nil))
}

func TestCatalogNotConfigured(t *testing.T) {
	a := newTestAPI(t, nil, false)
	assert.Equal(t, http.StatusServiceUnavailable, a.do(t, http.MethodGet, "/api/catalog/search?q=dune", nil, nil))
	assert.Equal(t, http.StatusServiceUnavailable, a.do(t, http.MethodGet, "/api/catalog/isbn/123", nil, nil))
}
