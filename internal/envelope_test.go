package internal

import (
	"errors"
	"testing"
	"time"
)

func TestParseEnvelopeStructured(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	raw := []byte(`{"type":"image","content":"data:image/png;base64,xyz","chatId":"roomX","senderId":"FORGED","timestamp":"1999-01-01T00:00:00Z"}`)

	env, err := ParseEnvelope(raw, "fallback", "AB12", now)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Type != TypeImage || env.Content != "data:image/png;base64,xyz" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.ChatID != "roomX" {
		t.Fatalf("expected client room scoping kept, got %q", env.ChatID)
	}
	// Identity and clock claims from the client are never trusted.
	if env.SenderID != "AB12" {
		t.Fatalf("senderId not overwritten: %q", env.SenderID)
	}
	if env.Timestamp != now.Format(time.RFC3339) {
		t.Fatalf("timestamp not overwritten: %q", env.Timestamp)
	}
}

func TestParseEnvelopeFallbackRoom(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"text","content":"hi"}`), "roomF", "CD34", time.Now())
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.ChatID != "roomF" {
		t.Fatalf("expected fallback room, got %q", env.ChatID)
	}
}

func TestParseEnvelopeUnstructured(t *testing.T) {
	env, err := ParseEnvelope([]byte("just some words"), "roomY", "EF56", time.Now())
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Type != TypeText || env.Content != "just some words" {
		t.Fatalf("expected synthesized text envelope, got %+v", env)
	}
	if env.SenderID != "EF56" {
		t.Fatalf("senderId not assigned: %q", env.SenderID)
	}
}

func TestParseEnvelopeRejectsEmptyContent(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"type":"text","content":""}`), "roomZ", "AB12", time.Now())
	if !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("expected ErrInvalidFormat, got %v", err)
	}
	_, err = ParseEnvelope([]byte(`{"type":"text","content":"   "}`), "roomZ", "AB12", time.Now())
	if !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("expected ErrInvalidFormat for whitespace content, got %v", err)
	}
}

func TestParseEnvelopeRejectsUnknownType(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"type":"video","content":"x"}`), "roomZ", "AB12", time.Now())
	if !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("expected ErrInvalidFormat, got %v", err)
	}
}
