// Package types provides shared type definitions for the application.
package types

// Mode identifies which hotkey combination opened the current session and
// therefore how the recognized text should be processed downstream.
type Mode string

const (
	ModeNormal  Mode = "normal"
	ModeCommand Mode = "command"
)

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	return m == ModeNormal || m == ModeCommand
}

// RecognitionResult is the terminal payload relayed from the recognizer for
// one capture session.
type RecognitionResult struct {
	Summary    string `json:"summary"`
	ServerTime int64  `json:"server_time,omitempty"`
}
