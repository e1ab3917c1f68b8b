package controller

import "github.com/loqalabs/loqa-scribe/internal/recognition"

const (
	MessageUnsupported      = "Speech recognition is not supported in this environment."
	MessageNoMicrophone     = "No microphone was found. Ensure it is plugged in and allowed."
	MessagePermissionDenied = "Microphone permission was denied. Please allow access to continue."
	MessageNetwork          = "Network error occurred. Please check your connection."
	MessageGeneric          = "An error occurred with speech recognition."
)

// MessageFor maps a hard recognition failure to the text shown to the user.
func MessageFor(code recognition.ErrorCode) string {
	switch code {
	case recognition.ErrorAudioCapture:
		return MessageNoMicrophone
	case recognition.ErrorNotAllowed:
		return MessagePermissionDenied
	case recognition.ErrorNetwork:
		return MessageNetwork
	default:
		return MessageGeneric
	}
}
