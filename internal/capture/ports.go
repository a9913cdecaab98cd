package capture

import (
	"context"
	"io"
)

// State is the capture lifecycle as reported to a Sink.
type State string

const (
	StateIdle                 State = "idle"
	StateRequestingPermission State = "requesting_permission"
	StateListening            State = "listening"
	StateFinalizing           State = "finalizing"
	StateError                State = "error"
)

// Permissions reports grants obtained earlier by the host.
type Permissions interface {
	Microphone(ctx context.Context) bool
	SpeechRecognition(ctx context.Context) bool
}

// StaticPermissions answers from fixed configuration.
type StaticPermissions struct {
	MicrophoneGranted bool
	SpeechGranted     bool
}

func (p StaticPermissions) Microphone(context.Context) bool        { return p.MicrophoneGranted }
func (p StaticPermissions) SpeechRecognition(context.Context) bool { return p.SpeechGranted }

// AudioStream is an exclusively held input device. Close releases it.
type AudioStream interface {
	io.ReadCloser
}

type AudioInput interface {
	Acquire(ctx context.Context) (AudioStream, error)
}

// RecognitionConfig is passed through to the recognizer.
type RecognitionConfig struct {
	SampleRate     int
	Channels       int
	Encoding       string
	Language       string
	InterimResults bool
	// Hints bias recognition toward domain words.
	Hints []string
}

// Transcript is the full text recognized so far, not a delta.
type Transcript struct {
	Text  string
	Final bool
}

// Recognition is one live recognition. Updates is closed when it ends,
// after which Err reports why. Cancel ends it without draining.
type Recognition interface {
	Updates() <-chan Transcript
	Err() error
	Cancel()
}

type Recognizer interface {
	Available() bool
	Recognize(ctx context.Context, audio io.Reader, cfg RecognitionConfig) (Recognition, error)
}

// Sink receives lifecycle events. Calls are made from controller goroutines
// and must not block for long.
type Sink interface {
	StateChanged(state State)
	PartialTranscript(text string)
	FinalTranscript(text string)
	CaptureFailed(err error)
}

type nopSink struct{}

func (nopSink) StateChanged(State)       {}
func (nopSink) PartialTranscript(string) {}
func (nopSink) FinalTranscript(string)   {}
func (nopSink) CaptureFailed(error)      {}
