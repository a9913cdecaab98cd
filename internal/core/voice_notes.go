package core

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"shelfnotes.io/reading-companion/internal/capture"
	"shelfnotes.io/reading-companion/internal/store"
)

// CaptureController is the part of capture.Controller used here.
type CaptureController interface {
	Start(ctx context.Context) error
	Stop() (string, bool)
	Status() capture.Status
}

type VoiceTarget struct {
	CaptureTarget
	// Segmented splits the utterance on its first label.
	Segmented bool
}

type VoiceStatus struct {
	State      capture.State `json:"state"`
	Transcript string        `json:"transcript"`
	BookID     string        `json:"book_id,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
	LastNotes  []store.Note  `json:"last_notes"`
}

type VoiceResult struct {
	Transcript string       `json:"transcript"`
	Notes      []store.Note `json:"notes"`
}

// VoiceNotes routes finished captures into the note pipeline. It is the
// controller's sink.
type VoiceNotes struct {
	controller CaptureController
	pipeline   *NotePipeline
	logger     *zap.Logger

	// pending is the target of a Begin whose capture is not listening yet;
	// current belongs to the capture whose final transcript comes next. A
	// final arriving while Begin waits for the previous capture to drain
	// therefore still lands on the previous book.
	mu        sync.Mutex
	pending   *VoiceTarget
	current   *VoiceTarget
	lastErr   error
	lastNotes []store.Note
}

func NewVoiceNotes(pipeline *NotePipeline, logger *zap.Logger) *VoiceNotes {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VoiceNotes{pipeline: pipeline, logger: logger}
}

// Attach binds the controller. The controller must use v as its sink.
func (v *VoiceNotes) Attach(controller CaptureController) {
	v.controller = controller
}

// Begin starts listening for notes about target.BookID.
func (v *VoiceNotes) Begin(ctx context.Context, target VoiceTarget) error {
	if target.BookID == "" {
		return errors.New("failed to begin capture: book id is required")
	}
	t := &target
	v.mu.Lock()
	v.pending = t
	v.lastErr = nil
	v.lastNotes = nil
	v.mu.Unlock()

	err := v.controller.Start(ctx)

	v.mu.Lock()
	defer v.mu.Unlock()
	if err != nil {
		// A failed Start has already drained the previous capture.
		if v.pending == t {
			v.pending = nil
		}
		v.current = nil
		v.lastErr = err
		return err
	}
	// Controllers that do not report StateListening are promoted here.
	if v.pending == t {
		v.current = t
		v.pending = nil
	}
	return nil
}

// End stops listening. The final transcript has gone through the pipeline
// by the time End returns. ok is false when nothing was listening.
func (v *VoiceNotes) End() (VoiceResult, bool) {
	text, ok := v.controller.Stop()
	if !ok {
		return VoiceResult{}, false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return VoiceResult{Transcript: text, Notes: append([]store.Note(nil), v.lastNotes...)}, true
}

func (v *VoiceNotes) Status() VoiceStatus {
	st := v.controller.Status()
	v.mu.Lock()
	defer v.mu.Unlock()
	out := VoiceStatus{State: st.State, Transcript: st.Transcript, LastNotes: append([]store.Note{}, v.lastNotes...)}
	switch {
	case v.pending != nil:
		out.BookID = v.pending.BookID
	case v.current != nil:
		out.BookID = v.current.BookID
	}
	if v.lastErr != nil {
		out.LastError = v.lastErr.Error()
	}
	return out
}

// StateChanged promotes the pending target once its capture is listening.
// The controller reports this before the capture can produce a final.
func (v *VoiceNotes) StateChanged(state capture.State) {
	v.logger.Debug("Capture state", zap.String("state", string(state)))
	if state != capture.StateListening {
		return
	}
	v.mu.Lock()
	if v.pending != nil {
		v.current = v.pending
		v.pending = nil
	}
	v.mu.Unlock()
}

func (v *VoiceNotes) PartialTranscript(string) {}

func (v *VoiceNotes) FinalTranscript(text string) {
	v.mu.Lock()
	target := v.current
	v.current = nil
	v.mu.Unlock()
	if target == nil {
		v.logger.Warn("Final transcript without a capture target")
		return
	}

	ctx := context.Background()
	var notes []store.Note
	var err error
	if target.Segmented {
		notes, err = v.pipeline.CaptureSegmented(ctx, text, target.CaptureTarget)
	} else {
		var note *store.Note
		note, err = v.pipeline.CaptureFinalUtterance(ctx, text, target.CaptureTarget)
		if note != nil {
			notes = []store.Note{*note}
		}
	}
	if err != nil {
		v.logger.Error("Failed to store voice note", zap.String("book_id", target.BookID), zap.Error(err))
	}

	v.mu.Lock()
	v.lastNotes = notes
	if err != nil {
		v.lastErr = err
	}
	v.mu.Unlock()
}

func (v *VoiceNotes) CaptureFailed(err error) {
	v.logger.Warn("Capture failed", zap.Error(err))
	v.mu.Lock()
	v.lastErr = err
	v.mu.Unlock()
}
