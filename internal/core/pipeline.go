package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"shelfnotes.io/reading-companion/internal/classifier"
	"shelfnotes.io/reading-companion/internal/store"
)

var ErrEmptyContent = errors.New("note content is empty")

// Dispatcher starts the background work for a persisted note.
type Dispatcher interface {
	Dispatch(note store.Note, answer bool) error
}

// CaptureTarget says where a captured note belongs.
type CaptureTarget struct {
	BookID    string
	SessionID *string
	Page      *int
}

// NotePipeline turns captured text into persisted notes. Each capture runs
// persist, then session attach, then dispatch.
type NotePipeline struct {
	notes      *store.NoteRepository
	sessions   *SessionService
	dispatcher Dispatcher
	logger     *zap.Logger
}

func NewNotePipeline(notes *store.NoteRepository, sessions *SessionService, dispatcher Dispatcher, logger *zap.Logger) *NotePipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotePipeline{notes: notes, sessions: sessions, dispatcher: dispatcher, logger: logger}
}

// CaptureFinalUtterance classifies one spoken utterance and stores it as a
// voice note. Blank text yields no note and no error.
func (p *NotePipeline) CaptureFinalUtterance(ctx context.Context, text string, target CaptureTarget) (*store.Note, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	noteType := classifier.Classify(text)
	content := classifier.CleanTriggerWords(text)
	return p.capture(ctx, content, noteType, store.NoteSourceVoice, target, noteType == store.NoteTypeQuestion)
}

// CaptureSegmented splits one utterance on its first label and stores every
// segment as its own voice note.
func (p *NotePipeline) CaptureSegmented(ctx context.Context, text string, target CaptureTarget) ([]store.Note, error) {
	segments := classifier.Segment(text)
	out := make([]store.Note, 0, len(segments))
	for _, seg := range segments {
		note, err := p.capture(ctx, seg.Content, seg.Type, store.NoteSourceVoice, target, seg.Type == store.NoteTypeQuestion)
		if err != nil {
			return out, err
		}
		out = append(out, *note)
	}
	return out, nil
}

// AskQuestion stores a typed question and asks the AI service about it.
func (p *NotePipeline) AskQuestion(ctx context.Context, question string, target CaptureTarget) (*store.Note, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyContent
	}
	return p.capture(ctx, question, store.NoteTypeQuestion, store.NoteSourceManual, target, true)
}

// CaptureScan stores recognized page text as a camera quote. It is never
// sent for an answer.
func (p *NotePipeline) CaptureScan(ctx context.Context, text string, target CaptureTarget) (*store.Note, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	return p.capture(ctx, text, store.NoteTypeQuote, store.NoteSourceCamera, target, false)
}

// AddManualNote stores a typed note as given, without classification.
func (p *NotePipeline) AddManualNote(ctx context.Context, content string, noteType store.NoteType, target CaptureTarget) (*store.Note, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if !noteType.Valid() {
		return nil, fmt.Errorf("failed to add note: unknown type %q", noteType)
	}
	return p.capture(ctx, content, noteType, store.NoteSourceManual, target, false)
}

func (p *NotePipeline) capture(ctx context.Context, content string, noteType store.NoteType, source store.NoteSource, target CaptureTarget, answer bool) (*store.Note, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	note := store.Note{
		BookID:  target.BookID,
		Content: content,
		Type:    noteType,
		Source:  source,
		Page:    positivePage(target.Page),
	}
	if target.SessionID != nil && *target.SessionID != "" {
		sid := *target.SessionID
		note.SessionID = &sid
	}

	saved, err := p.notes.Create(note)
	if err != nil {
		return nil, fmt.Errorf("failed to save note: %w", err)
	}
	logger := p.logger.With(zap.String("note_id", saved.ID), zap.String("book_id", saved.BookID))
	logger.Info("Note captured", zap.String("type", string(saved.Type)), zap.String("source", string(saved.Source)))

	if saved.SessionID != nil && p.sessions != nil {
		if !p.sessions.AttachNote(*saved.SessionID, saved.ID) {
			logger.Warn("Note names an unknown session", zap.String("session_id", *saved.SessionID))
		}
	}

	if p.dispatcher != nil {
		if err := p.dispatcher.Dispatch(*saved, answer); err != nil {
			logger.Warn("Failed to dispatch note", zap.Error(err))
		}
	}
	return saved, nil
}

// positivePage drops page numbers that are unset or not above zero.
func positivePage(page *int) *int {
	if page == nil || *page <= 0 {
		return nil
	}
	v := *page
	return &v
}
