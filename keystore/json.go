package keystore

import (
	"bytes"

	"github.com/ugorji/go/codec"
)

// jsonHandle configures github.com/ugorji/go/codec to produce the
// UTF-8 JSON sidecars spec.md §6 requires. The reference client's
// disk.go uses the same codec package with a CBOR handle to serialize
// its encrypted statefile; this module reuses the library with its
// JSON handle instead, since these particular files must stay
// plain-JSON for a host or operator to inspect directly.
var jsonHandle = func() *codec.JsonHandle {
	h := &codec.JsonHandle{}
	h.Canonical = true
	h.MapKeyAsString = true
	return h
}()

func marshalJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, jsonHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshalJSON(data []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(data, jsonHandle)
	return dec.Decode(v)
}
