package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrNotAuthorized      = errors.New("microphone or speech recognition permission not granted")
	ErrNotAvailable       = errors.New("speech recognition is not available")
	ErrRecognitionFailed  = errors.New("speech recognition failed")
	ErrAudioSessionFailed = errors.New("audio input could not be acquired")
)

// DefaultHints are the words the note rules react to.
var DefaultHints = []string{
	"quote", "thought", "question", "note", "remember",
	"interesting", "why", "what for", "how",
}

type Config struct {
	Recognition RecognitionConfig
}

// Status is a snapshot of the controller.
type Status struct {
	State      State  `json:"state"`
	Transcript string `json:"transcript"`
}

// Controller owns one live recognition at a time.
type Controller struct {
	perms      Permissions
	audio      AudioInput
	recognizer Recognizer
	sink       Sink
	cfg        Config
	logger     *zap.Logger

	// opMu serializes Start and Stop; mu guards the fields below it.
	opMu    sync.Mutex
	mu      sync.Mutex
	state   State
	current *activeCapture
	last    *activeCapture
}

type activeCapture struct {
	ctx         context.Context
	cancel      context.CancelFunc
	stream      AudioStream
	recognition Recognition
	done        chan struct{}

	mu         sync.Mutex
	transcript string
	closed     bool
}

// update records a newer transcript unless the capture was already claimed.
func (a *activeCapture) update(text string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.transcript = text
	return true
}

// freeze stops further updates and returns the held transcript.
func (a *activeCapture) freeze() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return a.transcript
}

func (a *activeCapture) current() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transcript
}

func (a *activeCapture) teardown() {
	a.recognition.Cancel()
	_ = a.stream.Close()
	a.cancel()
}

func NewController(perms Permissions, audio AudioInput, recognizer Recognizer, sink Sink, cfg Config, logger *zap.Logger) *Controller {
	if sink == nil {
		sink = nopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Recognition.Hints) == 0 {
		cfg.Recognition.Hints = append([]string(nil), DefaultHints...)
	}
	return &Controller{
		perms:      perms,
		audio:      audio,
		recognizer: recognizer,
		sink:       sink,
		cfg:        cfg,
		logger:     logger,
		state:      StateIdle,
	}
}

// SetSink replaces the event sink. Call before the first Start.
func (c *Controller) SetSink(sink Sink) {
	if sink == nil {
		sink = nopSink{}
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.sink = sink
}

// Start begins listening. A capture already in progress is cancelled first
// and its transcript discarded. The capture outlives ctx; only Stop or a
// recognizer error ends it.
func (c *Controller) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	previous := c.current
	c.current = nil
	last := c.last
	c.mu.Unlock()

	if previous != nil {
		previous.freeze()
		previous.teardown()
		c.logger.Info("Cancelled previous capture for restart")
	}
	if last != nil {
		<-last.done
	}

	c.setState(StateRequestingPermission)
	if !c.perms.Microphone(ctx) || !c.perms.SpeechRecognition(ctx) {
		return c.failStart(ErrNotAuthorized)
	}
	if !c.recognizer.Available() {
		return c.failStart(ErrNotAvailable)
	}

	stream, err := c.audio.Acquire(ctx)
	if err != nil {
		return c.failStart(fmt.Errorf("%w: %v", ErrAudioSessionFailed, err))
	}

	captureCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	recognition, err := c.recognizer.Recognize(captureCtx, stream, c.cfg.Recognition)
	if err != nil {
		_ = stream.Close()
		cancel()
		return c.failStart(fmt.Errorf("%w: %v", ErrRecognitionFailed, err))
	}

	active := &activeCapture{
		ctx:         captureCtx,
		cancel:      cancel,
		stream:      stream,
		recognition: recognition,
		done:        make(chan struct{}),
	}

	c.mu.Lock()
	c.current = active
	c.last = active
	c.mu.Unlock()

	c.setState(StateListening)
	go c.consume(active)
	return nil
}

// Stop cancels the live recognition and hands the held transcript to the
// sink as the final transcript. It reports false when nothing was listening.
func (c *Controller) Stop() (string, bool) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	active := c.current
	c.current = nil
	c.mu.Unlock()
	if active == nil {
		return "", false
	}

	c.setState(StateFinalizing)
	text := active.freeze()
	active.teardown()
	<-active.done

	c.sink.FinalTranscript(text)
	c.setState(StateIdle)
	return text, true
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: c.state}
	if c.current != nil {
		st.Transcript = c.current.current()
	}
	return st
}

func (c *Controller) consume(active *activeCapture) {
	defer close(active.done)

	for t := range active.recognition.Updates() {
		text := strings.TrimSpace(t.Text)
		if !active.update(text) {
			continue
		}
		c.sink.PartialTranscript(text)
	}

	if active.ctx.Err() != nil {
		// Stopped or restarted; whoever cancelled finalizes.
		return
	}

	c.mu.Lock()
	owned := c.current == active
	if owned {
		c.current = nil
	}
	c.mu.Unlock()
	if !owned {
		return
	}

	text := active.freeze()
	active.teardown()
	err := active.recognition.Err()
	if err == nil {
		// The recognizer ended on its own, same as a stop.
		c.setState(StateFinalizing)
		c.sink.FinalTranscript(text)
		c.setState(StateIdle)
		return
	}

	c.logger.Warn("Recognition failed while listening", zap.Error(err))
	c.setState(StateError)
	c.sink.FinalTranscript(text)
	c.sink.CaptureFailed(fmt.Errorf("%w: %v", ErrRecognitionFailed, err))
	c.setState(StateIdle)
}

func (c *Controller) failStart(err error) error {
	c.logger.Warn("Capture start failed", zap.Error(err))
	c.setState(StateError)
	c.setState(StateIdle)
	return err
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.mu.Unlock()
	if changed {
		c.sink.StateChanged(state)
	}
}
