// Package deepgram streams microphone audio to Deepgram's live endpoint and
// exposes the running transcript as a capture.Recognition.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"shelfnotes.io/reading-companion/internal/capture"
)

const defaultBaseURL = "https://api.deepgram.com/v1"

type Config struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	SmartFormat bool
	ChunkSize   int
}

type Recognizer struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *zap.Logger
}

func NewRecognizer(cfg Config, logger *zap.Logger) *Recognizer {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.ChunkSize < 256 {
		cfg.ChunkSize = 4096
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recognizer{cfg: cfg, dialer: websocket.DefaultDialer, logger: logger}
}

// Available reports whether an API key is configured.
func (r *Recognizer) Available() bool {
	return strings.TrimSpace(r.cfg.APIKey) != ""
}

func (r *Recognizer) Recognize(ctx context.Context, audio io.Reader, cfg capture.RecognitionConfig) (capture.Recognition, error) {
	if !r.Available() {
		return nil, errors.New("DEEPGRAM_API_KEY is not configured")
	}
	wsURL, err := buildListenURL(r.cfg, cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.cfg.APIKey)
	conn, _, err := r.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Deepgram websocket: %w", err)
	}

	s := &session{
		conn:   conn,
		feed:   capture.NewFeed(),
		logger: r.logger,
		done:   make(chan struct{}),
	}
	go s.readLoop()
	go s.pump(audio, r.cfg.ChunkSize)
	go func() {
		select {
		case <-ctx.Done():
			s.Cancel()
		case <-s.done:
		}
	}()
	return s, nil
}

type session struct {
	conn   *websocket.Conn
	feed   *capture.Feed
	logger *zap.Logger
	done   chan struct{}

	writeMu sync.Mutex

	errMu     sync.Mutex
	err       error
	cancelled bool

	cancelOnce sync.Once
}

func (s *session) Updates() <-chan capture.Transcript { return s.feed.Updates() }

// Err is nil after Cancel, whatever the socket reported.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.cancelled {
		return nil
	}
	return s.err
}

func (s *session) Cancel() {
	s.cancelOnce.Do(func() {
		s.errMu.Lock()
		s.cancelled = true
		s.errMu.Unlock()
		_ = s.conn.Close()
	})
}

func (s *session) setErr(err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *session) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

// pump forwards audio until the input ends or the socket goes away.
func (s *session) pump(audio io.Reader, chunkSize int) {
	buf := make([]byte, chunkSize)
	for {
		n, err := audio.Read(buf)
		if n > 0 {
			if werr := s.write(websocket.BinaryMessage, buf[:n]); werr != nil {
				s.setErr(fmt.Errorf("failed to send audio: %w", werr))
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("Audio input ended", zap.Error(err))
			}
			break
		}
	}
	if err := s.write(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		s.setErr(fmt.Errorf("failed to close stream: %w", err))
	}
}

func (s *session) readLoop() {
	defer func() {
		s.feed.Close()
		close(s.done)
		_ = s.conn.Close()
	}()

	var text transcriptBuilder
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(fmt.Errorf("failed to read provider event: %w", err))
			return
		}

		var response deepgramResponse
		if err := json.Unmarshal(payload, &response); err != nil {
			continue
		}
		if strings.EqualFold(response.Type, "Error") {
			message := strings.TrimSpace(response.Message)
			if message == "" {
				message = "deepgram returned an unknown error"
			}
			s.setErr(errors.New(message))
			return
		}

		transcript := extractTranscript(response)
		if transcript == "" {
			continue
		}
		final := response.IsFinal || response.SpeechFinal
		s.feed.Publish(capture.Transcript{Text: text.add(transcript, final), Final: final})
	}
}

// transcriptBuilder joins finalized segments with the segment still being
// spoken, so every update carries the whole utterance so far.
type transcriptBuilder struct {
	finals  []string
	interim string
}

func (b *transcriptBuilder) add(segment string, final bool) string {
	if final {
		b.finals = append(b.finals, segment)
		b.interim = ""
	} else {
		b.interim = segment
	}
	parts := b.finals
	if b.interim != "" {
		parts = append(append([]string(nil), b.finals...), b.interim)
	}
	return strings.Join(parts, " ")
}

type deepgramResponse struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func extractTranscript(response deepgramResponse) string {
	if len(response.Channel.Alternatives) == 0 {
		return ""
	}
	return strings.TrimSpace(response.Channel.Alternatives[0].Transcript)
}

func buildListenURL(providerCfg Config, cfg capture.RecognitionConfig) (string, error) {
	base := strings.TrimSpace(providerCfg.APIBaseURL)
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}

	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}

	query := listenURL.Query()
	query.Set("model", providerCfg.Model)
	query.Set("encoding", cfg.Encoding)
	query.Set("sample_rate", fmt.Sprintf("%d", cfg.SampleRate))
	query.Set("channels", fmt.Sprintf("%d", cfg.Channels))
	query.Set("interim_results", fmt.Sprintf("%t", cfg.InterimResults))
	query.Set("smart_format", fmt.Sprintf("%t", providerCfg.SmartFormat))
	if cfg.Language != "" {
		query.Set("language", cfg.Language)
	}
	for _, hint := range cfg.Hints {
		if hint = strings.TrimSpace(hint); hint != "" {
			query.Add("keywords", hint)
		}
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}
