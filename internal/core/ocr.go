package core

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
)

var (
	ErrImageProcessingFailed = errors.New("could not process the image")
	ErrNoTextFound           = errors.New("no text found in the image")
	ErrRecognitionFailed     = errors.New("text recognition failed")
)

const (
	ocrInstruction = "Transcribe the printed text on this book page exactly as written, line by line. " +
		"Keep the original language. Return only the text. If there is no readable text, return NO_TEXT."
	ocrNoTextMarker = "NO_TEXT"
)

// TextRecognizer reads text off a photographed page.
type TextRecognizer interface {
	RecognizeText(ctx context.Context, image []byte, mimeType string) (string, error)
}

// GeminiOCR transcribes page photos with a Gemini vision model.
type GeminiOCR struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

// NewGeminiOCR shares the client owned by the GeminiService.
func NewGeminiOCR(svc *GeminiService) *GeminiOCR {
	return &GeminiOCR{client: svc.client, model: svc.chatModel, logger: svc.logger.With(zap.String("component", "ocr"))}
}

func (o *GeminiOCR) RecognizeText(ctx context.Context, image []byte, mimeType string) (string, error) {
	format, err := imageFormat(mimeType)
	if err != nil || len(image) == 0 {
		return "", ErrImageProcessingFailed
	}

	model := o.client.GenerativeModel(o.model)
	model.SetTemperature(0)
	resp, err := model.GenerateContent(ctx, genai.ImageData(format, image), genai.Text(ocrInstruction))
	if err != nil {
		o.logger.Warn("OCR request failed", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrRecognitionFailed, err)
	}
	text, err := responseText(resp)
	if errors.Is(err, errEmptyResponse) || strings.TrimSpace(text) == ocrNoTextMarker {
		return "", ErrNoTextFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRecognitionFailed, err)
	}
	return text, nil
}

// imageFormat maps a MIME type to the short format name genai expects.
func imageFormat(mimeType string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "image/jpeg", "image/jpg":
		return "jpeg", nil
	case "image/png":
		return "png", nil
	case "image/webp":
		return "webp", nil
	case "image/heic":
		return "heic", nil
	case "image/heif":
		return "heif", nil
	default:
		return "", fmt.Errorf("unsupported image type %q", mimeType)
	}
}

var (
	blankLines = regexp.MustCompile(`\n\n+`)
	whitespace = regexp.MustCompile(`\s+`)
)

// ExtractQuote tidies OCR output into a single quoted line: repeated blank
// lines and bare page numbers are dropped, whitespace collapsed, and «»
// added unless the text already opens with a quote mark.
func ExtractQuote(text string) string {
	text = blankLines.ReplaceAllString(text, "\n")
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if _, err := strconv.Atoi(trimmed); err == nil {
			continue
		}
		kept = append(kept, trimmed)
	}
	out := strings.TrimSpace(whitespace.ReplaceAllString(strings.Join(kept, " "), " "))
	if out == "" {
		return ""
	}
	if !strings.HasPrefix(out, "«") && !strings.HasPrefix(out, "\"") {
		out = "«" + out + "»"
	}
	return out
}
