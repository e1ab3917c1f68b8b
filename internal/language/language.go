package language

import (
	"errors"
	"fmt"
)

// ErrUnknown is returned when a locale is not in the supported catalogue.
var ErrUnknown = errors.New("unsupported language")

// Language is a selectable recognition locale.
type Language struct {
	Code        string `json:"code"`
	DisplayName string `json:"name"`
}

var supported = []Language{
	{Code: "en-US", DisplayName: "English (US)"},
	{Code: "es-ES", DisplayName: "Spanish"},
	{Code: "fr-FR", DisplayName: "French"},
	{Code: "de-DE", DisplayName: "German"},
	{Code: "it-IT", DisplayName: "Italian"},
	{Code: "ja-JP", DisplayName: "Japanese"},
}

// Supported returns the fixed catalogue in display order.
func Supported() []Language {
	return append([]Language(nil), supported...)
}

// Default is the first catalogue entry.
func Default() Language {
	return supported[0]
}

func Lookup(code string) (Language, error) {
	for _, l := range supported {
		if l.Code == code {
			return l, nil
		}
	}
	return Language{}, fmt.Errorf("%w: %q", ErrUnknown, code)
}
