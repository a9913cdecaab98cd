package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"shelfnotes.io/reading-companion/internal/store"
)

const chatApology = "I'm sorry, I encountered an error while processing your request."

var ErrChatNotFound = errors.New("chat not found")

// ChatService keeps one running conversation per book.
type ChatService struct {
	chats     *store.ChatRepository
	books     *store.BookRepository
	retriever *NoteRetriever
	model     ChatModel
	logger    *zap.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewChatService(chats *store.ChatRepository, books *store.BookRepository, retriever *NoteRetriever, model ChatModel, logger *zap.Logger) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{
		chats:     chats,
		books:     books,
		retriever: retriever,
		model:     model,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

// bookLock serializes writes to one book's thread.
func (s *ChatService) bookLock(bookID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[bookID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[bookID] = mu
	}
	return mu
}

// Thread returns the book's chat, creating it on first use.
func (s *ChatService) Thread(bookID string) (*store.ChatSession, error) {
	return s.chats.GetOrCreate(bookID)
}

func (s *ChatService) Threads() []store.ChatSession {
	return s.chats.List()
}

// Forward echoes a captured note into the book's chat as a reader message.
func (s *ChatService) Forward(ctx context.Context, bookID, content, noteID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mu := s.bookLock(bookID)
	mu.Lock()
	defer mu.Unlock()

	msg := store.ChatMessage{Role: store.ChatRoleUser, Content: content, Status: store.MessageStatusSent}
	if noteID != "" {
		msg.ReferencedNoteIDs = []string{noteID}
	}
	if _, err := s.chats.Append(bookID, msg); err != nil {
		return fmt.Errorf("failed to forward note to chat: %w", err)
	}
	return nil
}

// Send posts a reader message and appends the assistant's reply. When the
// AI call fails an apology is stored with error status and the error is
// returned alongside it.
func (s *ChatService) Send(ctx context.Context, bookID, content string) (*store.ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	// The book lock covers only store access, never the model call.
	mu := s.bookLock(bookID)
	mu.Lock()
	thread, err := s.chats.GetOrCreate(bookID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	history := thread.Messages
	_, err = s.chats.Append(bookID, store.ChatMessage{Role: store.ChatRoleUser, Content: content})
	mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to store user message: %w", err)
	}

	var book *store.Book
	if s.books != nil {
		book, _ = s.books.Get(bookID)
	}
	var related []store.Note
	if s.retriever != nil {
		related = s.retriever.Relevant(ctx, bookID, content, "", NumRelevantNotes)
	}

	reply := store.ChatMessage{Role: store.ChatRoleAssistant, Status: store.MessageStatusSent}
	var replyErr error
	if s.model == nil {
		replyErr = errors.New("no chat model configured")
	} else {
		reply.Content, replyErr = s.model.Reply(ctx, NewBookContext(book), history, related, content)
	}
	if replyErr != nil {
		s.logger.Error("Error generating chat reply", zap.String("book_id", bookID), zap.Error(replyErr))
		reply.Content = chatApology
		reply.Status = store.MessageStatusError
	} else {
		for _, n := range related {
			reply.ReferencedNoteIDs = append(reply.ReferencedNoteIDs, n.ID)
		}
	}

	mu.Lock()
	stored, err := s.chats.Append(bookID, reply)
	mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to store model message: %w", err)
	}
	if replyErr != nil {
		return &stored[0], fmt.Errorf("failed to generate reply: %w", replyErr)
	}
	return &stored[0], nil
}

// Rename sets an explicit chat title.
func (s *ChatService) Rename(chatID, title string) error {
	title = strings.Trim(title, "\"'\n\r\t .")
	if title == "" {
		return ErrEmptyContent
	}
	if !s.chats.SetTitle(chatID, title) {
		return ErrChatNotFound
	}
	return nil
}

func (s *ChatService) Delete(chatID string) error {
	if !s.chats.Delete(chatID) {
		return ErrChatNotFound
	}
	return nil
}
