package storage

import (
	"bytes"
	"encoding/gob"

	"github.com/kvshard/kvshard/internal/lsm"
)

// encodeMetadata/decodeMetadata gob-encode the metadata header. A compact
// fixed-header blob would be smaller, but gob is simpler and the encoding
// never crosses the network.
func encodeMetadata(m lsm.Metadata) []byte {
	var buf bytes.Buffer
	gob.NewEncoder(&buf).Encode(m)
	return buf.Bytes()
}

func decodeMetadata(b []byte) lsm.Metadata {
	var m lsm.Metadata
	gob.NewDecoder(bytes.NewReader(b)).Decode(&m)
	return m
}

func encodeFields(fields []string) []byte {
	var buf bytes.Buffer
	gob.NewEncoder(&buf).Encode(fields)
	return buf.Bytes()
}

func decodeFields(b []byte) []string {
	var fields []string
	gob.NewDecoder(bytes.NewReader(b)).Decode(&fields)
	return fields
}
