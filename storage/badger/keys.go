package badger

import (
	"encoding/binary"

	"github.com/poiesic/streamvisit/core"
)

// Key prefixes for different data types
const (
	documentPrefix    = "doc:"
	tracePrefix       = "trace:"
	traceIDPrefix     = "traceid:"
	traceSeq          = "traceseq"
	bucketKeySize     = 8
	sequenceKeySize   = 8
	documentKeyHeader = len(documentPrefix) + bucketKeySize + 1
)

// makeBucketPrefix generates the key prefix shared by all documents of a bucket.
// Format: doc:<bucket>:
func makeBucketPrefix(bucket core.BucketID) []byte {
	buf := make([]byte, documentKeyHeader)
	offset := copy(buf, documentPrefix)
	// Write in BigEndian order so buckets sort numerically
	binary.BigEndian.PutUint64(buf[offset:], uint64(bucket))
	buf[offset+bucketKeySize] = ':'
	return buf
}

// makeDocumentKey generates the key of a document.
// Format: doc:<bucket>:<id>
func makeDocumentKey(bucket core.BucketID, id string) []byte {
	prefix := makeBucketPrefix(bucket)
	buf := make([]byte, len(prefix)+len(id))
	offset := copy(buf, prefix)
	copy(buf[offset:], id)
	return buf
}

// parseDocumentKey extracts the bucket of a document key.
func parseDocumentKey(key []byte) (core.BucketID, bool) {
	if len(key) < documentKeyHeader || string(key[:len(documentPrefix)]) != documentPrefix {
		return 0, false
	}
	return core.BucketID(binary.BigEndian.Uint64(key[len(documentPrefix):])), true
}

// makeTraceKey generates the key of a stored trace.
// Format: trace:<seq>
func makeTraceKey(seq uint64) []byte {
	buf := make([]byte, len(tracePrefix)+sequenceKeySize)
	offset := copy(buf, tracePrefix)
	binary.BigEndian.PutUint64(buf[offset:], seq)
	return buf
}

// makeTraceIDKey generates the key of the trace id index.
// Format: traceid:<id>
func makeTraceIDKey(id string) []byte {
	return []byte(traceIDPrefix + id)
}
