// Package wake decodes inbound push payloads into content references.
//
// Both transports deliver the same minimal JSON shape; webpush payloads
// arrive here already decrypted by the platform layer. A wake event is
// ephemeral and delivered at-least-once, so duplicates are normal and
// must be tolerated downstream.
package wake

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ContentRef points at the post a wake event is about.
type ContentRef struct {
	PostID string

	// Title is a denormalized post title some senders include. It is a
	// hint only; rendering always re-fetches the real post.
	Title string
}

// DecodeError marks a malformed wake payload. Decode failures are
// non-fatal by contract: drop the event, log, render nothing.
type DecodeError struct {
	err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode wake payload: %v", e.err) }
func (e *DecodeError) Unwrap() error { return e.err }

type payload struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// Decode parses raw push bytes into a ContentRef.
func Decode(raw []byte) (ContentRef, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ContentRef{}, &DecodeError{err: fmt.Errorf("empty payload")}
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ContentRef{}, &DecodeError{err: err}
	}
	if strings.TrimSpace(p.ID) == "" {
		return ContentRef{}, &DecodeError{err: fmt.Errorf("missing post id")}
	}

	return ContentRef{PostID: p.ID, Title: p.Title}, nil
}
