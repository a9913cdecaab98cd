package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"shelfnotes.io/reading-companion/internal/auth"
	"shelfnotes.io/reading-companion/internal/capture"
	"shelfnotes.io/reading-companion/internal/core"
	"shelfnotes.io/reading-companion/internal/store"
)

const maxImageBytes = 10 << 20

type ctxKey string

const readerIDKey ctxKey = "readerID"

// Services are the components the API drives. Voice, Catalog and OCR may be
// nil; their routes then answer 503.
type Services struct {
	Books    *core.BookService
	Sessions *core.SessionService
	Reading  *core.ReadingService
	Pipeline *core.NotePipeline
	Chat     *core.ChatService
	Voice    *core.VoiceNotes
	Catalog  core.Catalog
	OCR      core.TextRecognizer
}

type APIHandler struct {
	svc      Services
	issuer   *auth.Issuer
	validate *validator.Validate
	logger   *zap.Logger
}

func NewAPIHandler(svc Services, issuer *auth.Issuer, logger *zap.Logger) *APIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{svc: svc, issuer: issuer, validate: validator.New(), logger: logger}
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header is required")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		readerID, err := h.issuer.Validate(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), readerIDKey, readerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps domain errors onto status codes.
func (h *APIHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		writeError(w, http.StatusBadRequest, verrs.Error())
	case errors.Is(err, core.ErrEmptyContent), errors.Is(err, core.ErrImageProcessingFailed):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrBookNotFound), errors.Is(err, core.ErrNoteNotFound), errors.Is(err, core.ErrChatNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, capture.ErrNotAuthorized):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, capture.ErrAudioSessionFailed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, capture.ErrNotAvailable), errors.Is(err, capture.ErrRecognitionFailed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, core.ErrNoTextFound):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, core.ErrRecognitionFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		h.logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a JSON body and runs struct validation.
func (h *APIHandler) decode(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &badRequest{msg: "Invalid request body: " + err.Error()}
	}
	return h.validate.Struct(dst)
}

type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

func (h *APIHandler) decodeOrFail(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	err := h.decode(r, dst)
	if err == nil {
		return true
	}
	var br *badRequest
	if errors.As(err, &br) {
		writeError(w, http.StatusBadRequest, br.msg)
		return false
	}
	h.fail(w, r, err)
	return false
}

func (h *APIHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Books

func (h *APIHandler) ListBooks(w http.ResponseWriter, r *http.Request) {
	if q := r.URL.Query().Get("q"); q != "" {
		writeJSON(w, http.StatusOK, h.svc.Books.Search(q))
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Books.List(store.ReadingStatus(r.URL.Query().Get("status"))))
}

type CreateBookRequest struct {
	Title         string   `json:"title" validate:"required,max=500"`
	Author        string   `json:"author" validate:"max=300"`
	ISBN          *string  `json:"isbn,omitempty"`
	CoverURL      *string  `json:"cover_url,omitempty" validate:"omitempty,url"`
	Summary       *string  `json:"summary,omitempty"`
	Publisher     *string  `json:"publisher,omitempty"`
	PublishedYear *int     `json:"published_year,omitempty"`
	PageCount     *int     `json:"page_count,omitempty" validate:"omitempty,min=1"`
	Genres        []string `json:"genres,omitempty"`
	Language      string   `json:"language,omitempty"`
}

func (h *APIHandler) CreateBook(w http.ResponseWriter, r *http.Request) {
	var req CreateBookRequest
	if !h.decodeOrFail(w, r, &req) {
		return
	}
	book := store.Book{
		Title:         req.Title,
		Author:        req.Author,
		CoverURL:      req.CoverURL,
		Summary:       req.Summary,
		Publisher:     req.Publisher,
		PublishedYear: req.PublishedYear,
		PageCount:     req.PageCount,
		Genres:        req.Genres,
		Language:      req.Language,
	}
	if req.ISBN != nil {
		if isbn := core.CleanISBN(*req.ISBN); isbn != "" {
			book.ISBN = &isbn
		}
	}
	saved, err := h.svc.Books.Add(book)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (h *APIHandler) ImportBooks(w http.ResponseWriter, r *http.Request) {
	imported, err := h.svc.Books.ImportCSV(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, imported)
}

func (h *APIHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	book, err := h.svc.Books.Get(chi.URLParam(r, "bookID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

type UpdateBookRequest struct {
	core.BookPatch
	Status *store.ReadingStatus `json:"status,omitempty" validate:"omitempty,oneof=want_to_read reading finished abandoned"`
}

func (h *APIHandler) UpdateBook(w http.ResponseWriter, r *http.Request) {
	var req UpdateBookRequest
	if !h.decodeOrFail(w, r, &req) {
		return
	}
	patch := req.BookPatch
	patch.Status = req.Status
	book, err := h.svc.Books.Update(chi.URLParam(r, "bookID"), patch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (h *APIHandler) DeleteBook(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Books.Delete(chi.URLParam(r, "bookID")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type BookStatsResponse struct {
	NoteCounts map[store.NoteType]int `json:"note_counts"`
	Sessions   core.SessionStats      `json:"sessions"`
}

func (h *APIHandler) BookStats(w http.ResponseWriter, r *http.Request) {
	book, err := h.svc.Books.Get(chi.URLParam(r, "bookID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BookStatsResponse{
		NoteCounts: h.svc.Books.NoteCounts(book.ID),
		Sessions:   h.svc.Sessions.Stats(book.ID),
	})
}

// Notes

// target resolves where a note for bookID goes. Without an explicit session
// the active session is used when it belongs to the same book.
func (h *APIHandler) target(bookID string, sessionID *string, page *int) core.CaptureTarget {
	t := core.CaptureTarget{BookID: bookID, SessionID: sessionID, Page: page}
	if t.SessionID == nil {
		if active := h.svc.Sessions.Active(); active != nil && active.BookID == bookID {
			id := active.ID
			t.SessionID = &id
		}
	}
	return t
}

// bookFromPath answers 404 when the book does not exist.
func (h *APIHandler) bookFromPath(w http.ResponseWriter, r *http.Request) (*store.Book, bool) {
	book, err := h.svc.Books.Get(chi.URLParam(r, "bookID"))
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return book, true
}

func (h *APIHandler) ListNotes(w http.ResponseWriter, r *http.Request) {
	book, ok := h.bookFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Books.Notes(book.ID))
}

type CreateNoteRequest struct {
	Content   string         `json:"content" validate:"required"`
	Type      store.NoteType `json:"type" validate:"required,oneof=thought quote question"`
	SessionID *string        `json:"session_id,omitempty"`
	Page      *int           `json:"page,omitempty"`
}

func (h *APIHandler) CreateNote(w http.ResponseWriter, r *http.Request) {
	book, ok := h.bookFromPath(w, r)
	if !ok {
		return
	}
	var req CreateNoteRequest
	if !h.decodeOrFail(w, r, &req) {
		return
	}
	note, err := h.svc.Pipeline.AddManualNote(r.Context(), req.Content, req.Type, h.target(book.ID, req.SessionID, req.Page))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

type AskQuestionRequest struct {
	Question  string  `json:"question" validate:"required"`
	SessionID *string `json:"session_id,omitempty"`
	Page      *int    `json:"page,omitempty"`
}

func (h *APIHandler) AskQuestion(w http.ResponseWriter, r *http.Request) {
	book, ok := h.bookFromPath(w, r)
	if !ok {
		return
	}
	var req AskQuestionRequest
	if !h.decodeOrFail(w, r, &req) {
		return
	}
	note, err := h.svc.Pipeline.AskQuestion(r.Context(), req.Question, h.target(book.ID, req.SessionID, req.Page))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, note)
}

type UtteranceRequest struct {
	Text      string  `json:"text"`
	SessionID *string `json:"session_id,omitempty"`
	Page      *int    `json:"page,omitempty"`
	Segmented bool    `json:"segmented"`
}

// CaptureUtterance takes an already recognized utterance, for hosts that do
// speech recognition themselves.
func (h *APIHandler) CaptureUtterance(w http.ResponseWriter, r *http.Request) {
	book, ok := h.bookFromPath(w, r)
	if !ok {
		return
	}
	var req UtteranceRequest
	if !h.decodeOrFail(w, r, &req) {
		return
	}
	target := h.target(book.ID, req.SessionID, req.Page)
	notes := []store.Note{}
	if req.Segmented {
		segmented, err := h.svc.Pipeline.CaptureSegmented(r.Context(), req.Text, target)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		notes = append(notes, segmented...)
	} else {
		note, err := h.svc.Pipeline.CaptureFinalUtterance(r.Context(), req.Text, target)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if note != nil {
			notes = append(notes, *note)
		}
	}
	writeJSON(w, http.StatusCreated, notes)
}

type ScanTextRequest struct {
	Text      string  `json:"text" validate:"required"`
	SessionID *string `json:"session_id,omitempty"`
	Page      *int    `json:"page,omitempty"`
}

// CaptureScan accepts either a page photo (image/* body, session_id and page
// as query parameters) or recognized text as JSON.
func (h *APIHandler) CaptureScan(w http.ResponseWriter, r *http.Request) {
	book, ok := h.bookFromPath(w, r)
	if !ok {
		return
	}

	var text string
	var target core.CaptureTarget
	if contentType := r.Header.Get("Content-Type"); strings.HasPrefix(contentType, "image/") {
		if h.svc.OCR == nil {
			writeError(w, http.StatusServiceUnavailable, "text recognition is not configured")
			return
		}
		image, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImageBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "image too large")
			return
		}
		raw, err := h.svc.OCR.RecognizeText(r.Context(), image, contentType)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		text = core.ExtractQuote(raw)
		target = h.target(book.ID, optionalQuery(r, "session_id"), optionalIntQuery(r, "page"))
	} else {
		var req ScanTextRequest
		if !h.decodeOrFail(w, r, &req) {
			return
		}
		text = core.ExtractQuote(req.Text)
		target = h.target(book.ID, req.SessionID, req.Page)
	}

	note, err := h.svc.Pipeline.CaptureScan(r.Context(), text, target)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if note == nil {
		h.fail(w, r, core.ErrNoTextFound)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

func optionalQuery(r *http.Request, key string) *string {
	if v := r.URL.Query().Get(key); v != "" {
		return &v
	}
	return nil
}

func optionalIntQuery(r *http.Request, key string) *int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil {
		return &v
	}
	return nil
}

func (h *APIHandler) SearchNotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeJSON(w, http.StatusOK, h.svc.Books.SearchNotes(q.Get("q"), q.Get("book_id")))
}

func (h *APIHandler) GetNote(w http.ResponseWriter, r *http.Request) {
	note, err := h.svc.Books.Note(chi.URLParam(r, "noteID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

type EditNoteRequest struct {
	Content string `json:"content" validate:"required"`
}

func (h *APIHandler) EditNote(w http.ResponseWriter, r *http.Request) {
	var req EditNoteRequest
	if !h.decodeOrFail(w, r, &req) {
		return
	}
	note, err := h.svc.Books.EditNote(chi.URLParam(r, "noteID"), req.Content)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

func (h *APIHandler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Books.DeleteNote(chi.URLParam(r, "noteID")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Sessions

type StartSessionRequest struct {
	BookID    string `json:"book_id" validate:"required"`
	StartPage int    `json:"start_page" validate:"min=0"`
}

func (h *APIHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if !h.decodeOrFail(w, r, &req) {
		return
	}
	if _, err := h.svc.Books.Get(req.BookID); err != nil {
		h.fail(w, r, err)
		return
	}
	sess, err := h.svc.Sessions.StartSession(req.BookID, req.StartPage)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

type EndSessionRequest struct {
	EndPage    *int    `json:"end_page,omitempty" validate:"omitempty,min=0"`
	KeyInsight *string `json:"key_insight,omitempty"`
	// Finish asks for an AI insight and updates the book's progress.
	Finish bool `json:"finish"`
}

func (h *APIHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	var req EndSessionRequest
	if !h.decodeOrFail(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "sessionID")

	var sess *store.ReadingSession
	var err error
	if req.Finish && h.svc.Reading != nil {
		sess, err = h.svc.Reading.Finish(r.Context(), id, req.EndPage)
	} else {
		sess, err = h.svc.Sessions.EndSession(id, req.EndPage, req.KeyInsight)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *APIHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case q.Get("book_id") != "":
		writeJSON(w, http.StatusOK, h.svc.Sessions.ForBook(q.Get("book_id")))
	case q.Get("day") == "today":
		writeJSON(w, http.StatusOK, h.svc.Sessions.Today())
	default:
		limit, _ := strconv.Atoi(q.Get("limit"))
		writeJSON(w, http.StatusOK, h.svc.Sessions.Recent(limit))
	}
}

func (h *APIHandler) ActiveSession(w http.ResponseWriter, r *http.Request) {
	active := h.svc.Sessions.Active()
	if active == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, active)
}

func (h *APIHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *APIHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if !h.svc.Sessions.Delete(chi.URLParam(r, "sessionID")) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) SessionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Sessions.Stats(r.URL.Query().Get("book_id")))
}

// Live capture

type StartCaptureRequest struct {
	BookID    string  `json:"book_id" validate:"required"`
	SessionID *string `json:"session_id,omitempty"`
	Page      *int    `json:"page,omitempty"`
	Segmented bool    `json:"segmented"`
}

func (h *APIHandler) voiceOrFail(w http.ResponseWriter) bool {
	if h.svc.Voice == nil {
		writeError(w, http.StatusServiceUnavailable, capture.ErrNotAvailable.Error())
		return false
	}
	return true
}

func (h *APIHandler) StartCapture(w http.ResponseWriter, r *http.Request) {
	if !h.voiceOrFail(w) {
		return
	}
	var req StartCaptureRequest
	if !h.decodeOrFail(w, r, &req) {
		return
	}
	if _, err := h.svc.Books.Get(req.BookID); err != nil {
		h.fail(w, r, err)
		return
	}
	target := core.VoiceTarget{CaptureTarget: h.target(req.BookID, req.SessionID, req.Page), Segmented: req.Segmented}
	if err := h.svc.Voice.Begin(r.Context(), target); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.svc.Voice.Status())
}

func (h *APIHandler) StopCapture(w http.ResponseWriter, r *http.Request) {
	if !h.voiceOrFail(w) {
		return
	}
	result, ok := h.svc.Voice.End()
	if !ok {
		writeError(w, http.StatusConflict, "not listening")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *APIHandler) CaptureStatus(w http.ResponseWriter, r *http.Request) {
	if !h.voiceOrFail(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Voice.Status())
}

// Chat

func (h *APIHandler) GetBookChat(w http.ResponseWriter, r *http.Request) {
	book, ok := h.bookFromPath(w, r)
	if !ok {
		return
	}
	thread, err := h.svc.Chat.Thread(book.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse(*thread))
}

type PostMessageRequest struct {
	Content string `json:"content" validate:"required"`
}

func (h *APIHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	book, ok := h.bookFromPath(w, r)
	if !ok {
		return
	}
	var req PostMessageRequest
	if !h.decodeOrFail(w, r, &req) {
		return
	}
	reply, err := h.svc.Chat.Send(r.Context(), book.ID, req.Content)
	if err != nil && reply == nil {
		h.fail(w, r, err)
		return
	}
	if err != nil {
		// The apology is stored in the thread; report it as an upstream failure.
		writeJSON(w, http.StatusBadGateway, reply)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

type ChatResponse struct {
	store.ChatSession
	DisplayTitle string `json:"display_title"`
}

func chatResponse(c store.ChatSession) ChatResponse {
	return ChatResponse{ChatSession: c, DisplayTitle: c.DisplayTitle()}
}

func (h *APIHandler) ListChats(w http.ResponseWriter, r *http.Request) {
	threads := h.svc.Chat.Threads()
	out := make([]ChatResponse, len(threads))
	for i, c := range threads {
		out[i] = chatResponse(c)
	}
	writeJSON(w, http.StatusOK, out)
}

type RenameChatRequest struct {
	Title string `json:"title" validate:"required,max=200"`
}

func (h *APIHandler) RenameChat(w http.ResponseWriter, r *http.Request) {
	var req RenameChatRequest
	if !h.decodeOrFail(w, r, &req) {
		return
	}
	if err := h.svc.Chat.Rename(chi.URLParam(r, "chatID"), req.Title); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Chat.Delete(chi.URLParam(r, "chatID")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Catalog

func (h *APIHandler) SearchCatalog(w http.ResponseWriter, r *http.Request) {
	if h.svc.Catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "catalog is not configured")
		return
	}
	found, err := h.svc.Catalog.SearchByTitleOrAuthor(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.logger.Warn("Catalog search failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "catalog lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (h *APIHandler) LookupISBN(w http.ResponseWriter, r *http.Request) {
	if h.svc.Catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "catalog is not configured")
		return
	}
	book, err := h.svc.Catalog.SearchByISBN(r.Context(), chi.URLParam(r, "isbn"))
	if errors.Is(err, core.ErrBookNotFound) {
		h.fail(w, r, err)
		return
	}
	if err != nil {
		h.logger.Warn("ISBN lookup failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "catalog lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, book)
}
