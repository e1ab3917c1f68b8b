package protocol

import "time"

// Transcript represents recognizer output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// SessionControl asks a recognizer node to start or stop a session.
type SessionControl struct {
	SessionID      string    `json:"session_id"`
	Op             string    `json:"op"` // start, stop, abort
	Language       string    `json:"language,omitempty"`
	Continuous     bool      `json:"continuous,omitempty"`
	InterimResults bool      `json:"interim_results,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// SessionControlReply acknowledges a start request.
type SessionControlReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// SessionError reports a recognition failure for a session.
type SessionError struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
}

// SessionEnd reports that a recognizer node stopped listening.
type SessionEnd struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectSessionControl    = "stt.session.control"
	SubjectSessionError      = "stt.session.error"
	SubjectSessionEnd        = "stt.session.end"

	ControlStart = "start"
	ControlStop  = "stop"
	ControlAbort = "abort"
)
