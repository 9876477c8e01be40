package internal

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Recognized envelope types. Anything else inbound is rejected as malformed.
const (
	TypeText   = "text"
	TypeImage  = "image"
	TypeAudio  = "audio"
	TypeFile   = "file"
	TypeSystem = "system"
	TypeError  = "error"
)

// ErrInvalidFormat marks an inbound frame that was structured data but failed
// validation. The caller answers the origin connection with an error envelope
// and must never broadcast the frame.
var ErrInvalidFormat = errors.New("invalid message format")

// Envelope is the JSON message unit exchanged over the room connection and
// persisted as history. ID is only set on history replies, where it carries
// the store-assigned entry id used as a pagination cursor.
type Envelope struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	ChatID    string `json:"chatId,omitempty"`
	SenderID  string `json:"senderId,omitempty"`
	Timestamp string `json:"timestamp"`
	MD5Hash   string `json:"md5Hash,omitempty"`
	ID        int64  `json:"id,omitempty"`
}

func knownType(t string) bool {
	switch t {
	case TypeText, TypeImage, TypeAudio, TypeFile, TypeSystem, TypeError:
		return true
	}
	return false
}

// ParseEnvelope turns a raw websocket frame into a validated envelope. A JSON
// frame keeps its type, content and room scoping, but senderId and timestamp
// are always overwritten server-side; client claims for either are never
// trusted. A frame that is not JSON is wrapped into a plain text envelope.
func ParseEnvelope(raw []byte, room, senderID string, now time.Time) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		env = Envelope{Type: TypeText, Content: string(raw)}
	} else {
		if strings.TrimSpace(env.Content) == "" {
			return Envelope{}, ErrInvalidFormat
		}
		if !knownType(env.Type) {
			return Envelope{}, ErrInvalidFormat
		}
	}
	if env.ChatID == "" {
		env.ChatID = room
	}
	env.SenderID = senderID
	env.Timestamp = now.UTC().Format(time.RFC3339)
	env.ID = 0
	return env, nil
}

// systemEnvelope builds a server-originated notice for a room.
func systemEnvelope(room, content string) Envelope {
	return Envelope{
		Type:      TypeSystem,
		Content:   content,
		ChatID:    room,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// errorEnvelope builds the reply sent to a single origin connection when its
// frame was rejected. Error envelopes are never broadcast or persisted.
func errorEnvelope(content string) Envelope {
	return Envelope{
		Type:      TypeError,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
