// Package otp implements the pure, in-memory One-Time-Pad codec of
// spec.md 4.I: a length-delimited, tag-addressed, forward-compatible
// envelope format (encoded with github.com/fxamacker/cbor/v2, the same
// library the reference ratchet and map-stream code uses for its own
// wire structures) wrapped in a deterministic XOR cipher. This package
// never logs (spec.md §7 propagation policy: pure packages raise typed
// errors and stay silent).
package otp

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// ContentType tags the polymorphic message body described in spec.md §9.
type ContentType uint8

const (
	Text ContentType = iota
	Image
	File
)

// Envelope is the plaintext record OTP-encrypted bytes decode to. Its
// serialized length is exactly the number of key bytes a message
// consumes (spec.md §3: "message length is not hidden").
type Envelope struct {
	SenderID    string      `cbor:"senderId"`
	CreatedAtMs int64       `cbor:"createdAtMs"`
	IsCompressed bool       `cbor:"isCompressed"`
	ContentType ContentType `cbor:"contentType"`
	FileName    string      `cbor:"fileName,omitempty"`
	MimeType    string      `cbor:"mimeType,omitempty"`
	Content     []byte      `cbor:"content"`
}

// Marshal serializes e with the forward-compatible CBOR encoding.
// Unknown fields a future envelope version adds are tolerated by
// decoders because CBOR map keys are addressed by tag, not position.
func (e Envelope) Marshal() ([]byte, error) {
	return cbor.Marshal(e)
}

// UnmarshalEnvelope parses data as an Envelope.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("otp: unmarshal envelope: %w", err)
	}
	return e, nil
}

// compress applies the flate compression heuristic from spec.md §9:
// only emit compressed bytes if they are strictly shorter than the
// input, and never compress non-text content. It returns the bytes to
// store and whether they are compressed.
func compress(contentType ContentType, content []byte) ([]byte, bool) {
	if contentType != Text {
		return content, false
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return content, false
	}
	if _, err := w.Write(content); err != nil {
		return content, false
	}
	if err := w.Close(); err != nil {
		return content, false
	}
	if buf.Len() < len(content) {
		return buf.Bytes(), true
	}
	return content, false
}

// decompress reverses compress.
func decompress(content []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(content))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("otp: decompress: %w", err)
	}
	return out, nil
}

// BuildEnvelope constructs an Envelope for content, applying the
// compression heuristic when contentType is Text.
func BuildEnvelope(senderID string, createdAtMs int64, contentType ContentType, fileName, mimeType string, content []byte) Envelope {
	stored, compressed := compress(contentType, content)
	return Envelope{
		SenderID:     senderID,
		CreatedAtMs:  createdAtMs,
		IsCompressed: compressed,
		ContentType:  contentType,
		FileName:     fileName,
		MimeType:     mimeType,
		Content:      stored,
	}
}

// DecodedContent returns e.Content, decompressing it first if
// IsCompressed is set.
func (e Envelope) DecodedContent() ([]byte, error) {
	if !e.IsCompressed {
		return e.Content, nil
	}
	return decompress(e.Content)
}
