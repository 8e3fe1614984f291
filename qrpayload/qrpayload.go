// Package qrpayload defines the visual-code payload format of
// spec.md §6: a compact JSON object scanned out of band between
// peers during a KEX session. Rendering and scanning the actual visual
// code is an external collaborator (spec.md §1); this package owns
// only the wire shape and its validation rule.
package qrpayload

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Payload is the text payload encoded into (and scanned out of) a
// visual code: `{s, i, a, b, k}` per spec.md §6.
type Payload struct {
	SessionID    string `json:"s"`
	SegmentIndex uint32 `json:"i"`
	StartByte    uint64 `json:"a"`
	EndByte      uint64 `json:"b"`
	KeyB64       string `json:"k"`
}

// New builds a Payload for a segment's worth of key bytes.
// It fails if startByte > endByte or the byte count doesn't match the
// number of bytes provided, mirroring the reader-side rejection rule
// it must satisfy on the other end.
func New(sessionID string, index uint32, startByte, endByte uint64, keyBytes []byte) (Payload, error) {
	if startByte > endByte {
		return Payload{}, fmt.Errorf("qrpayload: start %d > end %d", startByte, endByte)
	}
	if uint64(len(keyBytes)) != endByte-startByte {
		return Payload{}, fmt.Errorf("qrpayload: key length %d != segment length %d", len(keyBytes), endByte-startByte)
	}
	return Payload{
		SessionID:    sessionID,
		SegmentIndex: index,
		StartByte:    startByte,
		EndByte:      endByte,
		KeyB64:       base64.StdEncoding.EncodeToString(keyBytes),
	}, nil
}

// Marshal renders p as the compact JSON text a visual code encodes.
func (p Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// Unmarshal parses text into a Payload and rejects it per spec.md §6
// if the decoded key length doesn't match b-a.
func Unmarshal(text []byte) (Payload, []byte, error) {
	var p Payload
	if err := json.Unmarshal(text, &p); err != nil {
		return Payload{}, nil, fmt.Errorf("qrpayload: decode: %w", err)
	}
	keyBytes, err := base64.StdEncoding.DecodeString(p.KeyB64)
	if err != nil {
		return Payload{}, nil, fmt.Errorf("qrpayload: decode key: %w", err)
	}
	if p.EndByte < p.StartByte {
		return Payload{}, nil, fmt.Errorf("qrpayload: end %d < start %d", p.EndByte, p.StartByte)
	}
	if uint64(len(keyBytes)) != p.EndByte-p.StartByte {
		return Payload{}, nil, fmt.Errorf("qrpayload: key length %d != segment length %d", len(keyBytes), p.EndByte-p.StartByte)
	}
	return p, keyBytes, nil
}
