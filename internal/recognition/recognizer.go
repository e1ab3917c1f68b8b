package recognition

import (
	"errors"
)

var (
	// ErrUnavailable reports that the host offers no speech recognition capability.
	ErrUnavailable = errors.New("speech recognition unavailable")
	// ErrAlreadyStarted is returned by Session.Start while the session is running.
	ErrAlreadyStarted = errors.New("recognition session already started")
)

// ErrorCode enumerates the failure reasons a recognition session reports.
type ErrorCode string

const (
	ErrorNoSpeech             ErrorCode = "no-speech"
	ErrorAudioCapture         ErrorCode = "audio-capture"
	ErrorNotAllowed           ErrorCode = "not-allowed"
	ErrorNetwork              ErrorCode = "network"
	ErrorAborted              ErrorCode = "aborted"
	ErrorLanguageNotSupported ErrorCode = "language-not-supported"
	ErrorServiceNotAllowed    ErrorCode = "service-not-allowed"
	ErrorBadGrammar           ErrorCode = "bad-grammar"
	ErrorNoMatch              ErrorCode = "no-match"
)

// Alternative is one candidate transcription of a result.
type Alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// Result is one recognized utterance; Alternatives are ordered best first.
type Result struct {
	Final        bool          `json:"final"`
	Alternatives []Alternative `json:"alternatives"`
}

// ResultEvent carries the session's full result list. Entries before
// ResultIndex were already delivered by earlier events.
type ResultEvent struct {
	ResultIndex int
	Results     []Result
}

type ErrorEvent struct {
	Code    ErrorCode
	Message string
}

// Options configures a session before it starts.
type Options struct {
	Language       string
	Continuous     bool
	InterimResults bool
}

// Handler receives session callbacks. Engines deliver callbacks for a
// single session sequentially.
type Handler interface {
	OnStart()
	OnResult(ResultEvent)
	OnError(ErrorEvent)
	OnEnd()
}

// Session is one run of the recognition capability. A stopped session may
// be started again.
type Session interface {
	Start() error
	Stop() error
	Abort() error
}

// Engine abstracts recognition backends.
type Engine interface {
	NewSession(opts Options, handler Handler) (Session, error)
}
