// Package transport carries JSON control messages and binary audio to the
// remote recognizer over a persistent WebSocket connection, with automatic
// reconnect.
package transport

import (
	"time"

	"github.com/google/uuid"
)

// Outbound control message types.
const (
	TypeStartRecording = "start_recording"
	TypeStopRecording  = "stop_recording"
	TypeModeUpgrade    = "mode_upgrade"
)

// Inbound control message types.
const (
	TypeAudioAck           = "audio_ack"
	TypeRecognitionSummary = "recognition_summary"
	TypeServerResult       = "server_result"
)

// Local IPC message types, sharing the same envelope.
const (
	TypeInitConfig       = "init_config"
	TypeHotkeySettingEnd = "hotkey_setting_end"
	TypeAuthTokenFailed  = "auth_token_failed"
)

// Message is the wire envelope for both the recognizer stream and the local
// IPC channel. Type determines the payload schema inside Data.
type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewMessage builds an envelope with a fresh ID and the current time in
// milliseconds.
func NewMessage(msgType string, data map[string]any) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// StringField extracts a string field from Data, empty when absent.
func (m Message) StringField(key string) string {
	if m.Data == nil {
		return ""
	}
	s, _ := m.Data[key].(string)
	return s
}
