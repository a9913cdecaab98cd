package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"

	"shelfnotes.io/reading-companion/internal/store"
)

const TopicNoteCaptured = "note.captured"

var ErrFanOutClosed = errors.New("fan-out is closed")

type noteCapturedEvent struct {
	NoteID  string         `json:"note_id"`
	BookID  string         `json:"book_id"`
	Type    store.NoteType `json:"type"`
	Content string         `json:"content"`
	Answer  bool           `json:"answer"`
}

// ChatForwarder appends a note echo to the book's chat thread.
type ChatForwarder interface {
	Forward(ctx context.Context, bookID, content, noteID string) error
}

type FanOutDeps struct {
	Chat      ChatForwarder
	Answerer  Answerer
	Notes     *store.NoteRepository
	Books     *store.BookRepository
	Retriever *NoteRetriever
}

// FanOut runs the chat forward and the question answer for each captured
// note as independent background tasks.
type FanOut struct {
	pubsub      *gochannel.GoChannel
	deps        FanOutDeps
	logger      *zap.Logger
	taskTimeout time.Duration

	mu     sync.RWMutex
	closed bool

	tasks   sync.WaitGroup
	readers sync.WaitGroup
}

func NewFanOut(deps FanOutDeps, taskTimeout time.Duration, logger *zap.Logger) (*FanOut, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if taskTimeout <= 0 {
		taskTimeout = 90 * time.Second
	}
	f := &FanOut{
		// Publish returns once every subscriber has taken the event, so a
		// task is always tracked before Dispatch returns.
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            64,
			BlockPublishUntilSubscriberAck: true,
		}, newWatermillLogger(logger)),
		deps:        deps,
		logger:      logger,
		taskTimeout: taskTimeout,
	}

	handlers := map[string]func(context.Context, noteCapturedEvent){
		"chat_forwarder":    f.forward,
		"question_answerer": f.answer,
	}
	for name, handle := range handlers {
		msgs, err := f.pubsub.Subscribe(context.Background(), TopicNoteCaptured)
		if err != nil {
			_ = f.pubsub.Close()
			return nil, fmt.Errorf("failed to subscribe %s: %w", name, err)
		}
		f.readers.Add(1)
		go f.consume(name, msgs, handle)
	}
	return f, nil
}

// Dispatch hands a persisted note to the subscribers. It does not wait for
// the tasks themselves.
func (f *FanOut) Dispatch(note store.Note, answer bool) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrFanOutClosed
	}

	payload, err := json.Marshal(noteCapturedEvent{
		NoteID:  note.ID,
		BookID:  note.BookID,
		Type:    note.Type,
		Content: note.Content,
		Answer:  answer,
	})
	if err != nil {
		return fmt.Errorf("failed to encode note event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("book_id", note.BookID)
	if err := f.pubsub.Publish(TopicNoteCaptured, msg); err != nil {
		return fmt.Errorf("failed to publish note event: %w", err)
	}
	return nil
}

func (f *FanOut) consume(name string, msgs <-chan *message.Message, handle func(context.Context, noteCapturedEvent)) {
	defer f.readers.Done()
	for msg := range msgs {
		var evt noteCapturedEvent
		if err := json.Unmarshal(msg.Payload, &evt); err != nil {
			f.logger.Error("Dropping undecodable note event", zap.String("subscriber", name), zap.Error(err))
			msg.Ack()
			continue
		}
		f.tasks.Add(1)
		go func() {
			defer f.tasks.Done()
			ctx, cancel := context.WithTimeout(context.Background(), f.taskTimeout)
			defer cancel()
			handle(ctx, evt)
		}()
		msg.Ack()
	}
}

func (f *FanOut) forward(ctx context.Context, evt noteCapturedEvent) {
	if f.deps.Chat == nil {
		return
	}
	content := fmt.Sprintf("%s: %s", evt.Type.Label(), evt.Content)
	if err := f.deps.Chat.Forward(ctx, evt.BookID, content, evt.NoteID); err != nil {
		f.logger.Warn("Failed to forward note to chat", zap.String("note_id", evt.NoteID), zap.Error(err))
	}
}

func (f *FanOut) answer(ctx context.Context, evt noteCapturedEvent) {
	if !evt.Answer || f.deps.Answerer == nil || f.deps.Notes == nil {
		return
	}
	var book *store.Book
	if f.deps.Books != nil {
		book, _ = f.deps.Books.Get(evt.BookID)
	}
	var noteContext *string
	if f.deps.Retriever != nil {
		noteContext = f.deps.Retriever.NoteContext(ctx, evt.BookID, evt.Content, evt.NoteID)
	}

	response, err := f.deps.Answerer.Answer(ctx, evt.Content, NewBookContext(book), noteContext)
	if err != nil {
		f.logger.Warn("Failed to answer question note", zap.String("note_id", evt.NoteID), zap.Error(err))
		return
	}
	if !f.deps.Notes.SetAIResponse(evt.NoteID, response) {
		f.logger.Info("Question note removed before its answer arrived", zap.String("note_id", evt.NoteID))
		return
	}
	f.logger.Debug("Attached AI answer", zap.String("note_id", evt.NoteID))
}

// Close stops taking events and waits for running tasks.
func (f *FanOut) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	err := f.pubsub.Close()
	f.readers.Wait()
	f.tasks.Wait()
	return err
}

// watermillLogger routes watermill's logs into zap.
type watermillLogger struct {
	logger *zap.Logger
}

func newWatermillLogger(logger *zap.Logger) watermill.LoggerAdapter {
	return watermillLogger{logger: logger.With(zap.String("component", "watermill"))}
}

func zapFields(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (l watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.logger.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

func (l watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, zapFields(fields)...)
}

func (l watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, zapFields(fields)...)
}

func (l watermillLogger) Trace(string, watermill.LogFields) {}

func (l watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogger{logger: l.logger.With(zapFields(fields)...)}
}
