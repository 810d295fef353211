// Package message defines the inbound chat payloads handled by the gateway.
package message

import (
	"fmt"
	"strings"
)

// Message is either a Text or an Audio payload. The unexported marker method
// keeps the set closed so type switches over it stay exhaustive.
type Message interface {
	Kind() string
	isMessage()
}

// Text is a plain text chat message.
type Text struct {
	Body string
}

func (Text) Kind() string { return "text" }
func (Text) isMessage()   {}

// Audio is a voice note or audio attachment.
type Audio struct {
	Data     []byte
	MimeType string
}

func (Audio) Kind() string { return "audio" }
func (Audio) isMessage()   {}

// Turn is one or more messages from the same sender, in arrival order.
type Turn []Message

// Transcriber turns an audio payload into text. Render falls back to a
// placeholder when it is nil or fails.
type Transcriber func(a Audio) (string, error)

// AudioPlaceholder stands in for audio that was not transcribed.
const AudioPlaceholder = "(audio message)"

// Render concatenates the turn into a single prompt text. With more than one
// message each line is labelled with its ordinal position.
func (t Turn) Render(transcribe Transcriber) string {
	parts := make([]string, 0, len(t))
	for _, m := range t {
		parts = append(parts, renderOne(m, transcribe))
	}
	if len(parts) == 1 {
		return parts[0]
	}
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[Message %d]: %s", i+1, p)
	}
	return b.String()
}

// HasAudio reports whether any message in the turn is audio.
func (t Turn) HasAudio() bool {
	for _, m := range t {
		if _, ok := m.(Audio); ok {
			return true
		}
	}
	return false
}

func renderOne(m Message, transcribe Transcriber) string {
	switch v := m.(type) {
	case Text:
		return strings.TrimSpace(v.Body)
	case Audio:
		if transcribe == nil {
			return AudioPlaceholder
		}
		text, err := transcribe(v)
		if err != nil || strings.TrimSpace(text) == "" {
			return AudioPlaceholder
		}
		return "[Audio Transcript]: " + strings.TrimSpace(text)
	default:
		return ""
	}
}
