package cache

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Key namespaces within a backend. Key records are addressed by
// definition hash, blobs by content hash.
const (
	keyPrefix  = "tx:"
	blobPrefix = "blob:"
)

// keyRecordOverhead approximates the storage cost of a key record when
// accounting backend size; records are tiny and roughly constant.
const keyRecordOverhead = 250

// KeyFor returns the backend key for a transform's key record.
func KeyFor(definitionHash string) string { return keyPrefix + definitionHash }

// BlobFor returns the backend key for an artefact blob.
func BlobFor(contentHash string) string { return blobPrefix + contentHash }

// IsKeyRecord reports whether a backend key names a key record.
func IsKeyRecord(key string) bool { return strings.HasPrefix(key, keyPrefix) }

// IsBlob reports whether a backend key names a blob record.
func IsBlob(key string) bool { return strings.HasPrefix(key, blobPrefix) }

// KeyRecord maps a transform's output interfaces to blob keys, together
// with the cost of originally producing them.
type KeyRecord struct {
	// RunSeconds is the wall-clock time the producing execution took.
	RunSeconds float64 `json:"run_seconds"`
	// ByteSize is the total realized size of all outputs.
	ByteSize int64 `json:"byte_size"`
	// Outputs maps output interface names to blob keys.
	Outputs map[string]string `json:"outputs"`
}

// Rate returns the record's production byte-rate, used for admission.
func (r KeyRecord) Rate() float64 {
	return ByteRate(r.ByteSize, time.Duration(r.RunSeconds*float64(time.Second)))
}

// Encode serializes the record for storage.
func (r KeyRecord) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeKeyRecord parses a stored key record.
func DecodeKeyRecord(data []byte) (KeyRecord, error) {
	var rec KeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return KeyRecord{}, fmt.Errorf("corrupt key record: %w", err)
	}
	return rec, nil
}
