package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"shelfnotes.io/reading-companion/internal/store"
)

const (
	defaultChatModelName      = "gemini-1.5-flash-latest"
	defaultEmbeddingModelName = "text-embedding-004"

	answerSystemInstruction = "You are a reading companion. The reader is partway through a physical book and asks questions about it. " +
		"Answer briefly and concretely, in the reader's language. Do not reveal plot points beyond the reader's current page " +
		"unless asked. If you do not know the book, say so instead of guessing."

	chatSystemInstruction = "You are a reading companion who discusses one book with its reader. " +
		"The reader's own notes are given as context; refer to them when they help. Keep replies short and informative."

	insightSystemInstruction = "You summarize one reading session. Given the notes a reader took, " +
		"write the single most important insight of the session in two or three sentences. Return only the insight."

	historyLimit = 10
)

var errEmptyResponse = errors.New("gemini returned no text")

type GeminiConfig struct {
	APIKey         string
	ChatModel      string
	EmbeddingModel string
}

// GeminiService implements the AI text service on Gemini.
type GeminiService struct {
	client         *genai.Client
	chatModel      string
	embeddingModel string
	logger         *zap.Logger
}

func NewGeminiService(ctx context.Context, cfg GeminiConfig, logger *zap.Logger) (*GeminiService, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = defaultChatModelName
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = defaultEmbeddingModelName
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiService{
		client:         client,
		chatModel:      cfg.ChatModel,
		embeddingModel: cfg.EmbeddingModel,
		logger:         logger,
	}, nil
}

func (s *GeminiService) Close() {
	if err := s.client.Close(); err != nil {
		s.logger.Warn("Error closing GenAI client", zap.Error(err))
		return
	}
	s.logger.Info("GenAI client closed")
}

func (s *GeminiService) model(system string) *genai.GenerativeModel {
	model := s.client.GenerativeModel(s.chatModel)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	return model
}

func (s *GeminiService) Answer(ctx context.Context, question string, book BookContext, noteContext *string) (string, error) {
	prompt := answerPrompt(question, book, noteContext)
	resp, err := s.model(answerSystemInstruction).GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini answer request failed: %w", err)
	}
	return responseText(resp)
}

func (s *GeminiService) Insight(ctx context.Context, book BookContext, notes []store.Note) (string, error) {
	if len(notes) == 0 {
		return "", errors.New("no notes to summarize")
	}
	model := s.model(insightSystemInstruction)
	model.SetTemperature(0.4)
	resp, err := model.GenerateContent(ctx, genai.Text(insightPrompt(book, notes)))
	if err != nil {
		return "", fmt.Errorf("gemini insight request failed: %w", err)
	}
	return responseText(resp)
}

func (s *GeminiService) Reply(ctx context.Context, book BookContext, history []store.ChatMessage, notes []store.Note, message string) (string, error) {
	model := s.model(chatSystemInstruction + "\n\n" + book.Describe())
	chat := model.StartChat()
	chat.History = chatHistory(history)

	resp, err := chat.SendMessage(ctx, genai.Text(replyPrompt(notes, message)))
	if err != nil {
		return "", fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}
	return responseText(resp)
}

func (s *GeminiService) Embed(ctx context.Context, text string) ([]float32, error) {
	em := s.client.EmbeddingModel(s.embeddingModel)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embedding request failed: %w", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("no embedding data received from gemini")
	}
	return res.Embedding.Values, nil
}

func answerPrompt(question string, book BookContext, noteContext *string) string {
	var sb strings.Builder
	sb.WriteString(book.Describe())
	if noteContext != nil && strings.TrimSpace(*noteContext) != "" {
		sb.WriteString("\n\nThe reader's related notes:\n")
		sb.WriteString(*noteContext)
	}
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(question)
	return sb.String()
}

func insightPrompt(book BookContext, notes []store.Note) string {
	return book.Describe() + "\n\nNotes from this session:\n" + formatNotes(notes)
}

func replyPrompt(notes []store.Note, message string) string {
	if len(notes) == 0 {
		return message
	}
	return "My notes that may be relevant:\n" + formatNotes(notes) + "\n\n" + message
}

// chatHistory keeps the most recent sent messages in Gemini roles.
func chatHistory(messages []store.ChatMessage) []*genai.Content {
	var sent []store.ChatMessage
	for _, m := range messages {
		if m.Status == store.MessageStatusSent && strings.TrimSpace(m.Content) != "" {
			sent = append(sent, m)
		}
	}
	if len(sent) > historyLimit {
		sent = sent[len(sent)-historyLimit:]
	}
	history := make([]*genai.Content, 0, len(sent))
	for _, m := range sent {
		role := "user"
		if m.Role == store.ChatRoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}
	return history
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errEmptyResponse
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		}
	}
	out := strings.TrimSpace(text.String())
	if out == "" {
		return "", errEmptyResponse
	}
	return out, nil
}
