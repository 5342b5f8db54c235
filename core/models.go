package core

import (
	"encoding/binary"
	"strconv"
	"strings"
	"time"

	"github.com/go-crypt/x/blake2b"
	"github.com/poiesic/streamvisit/grouping"
)

// DefaultBucketBits is the number of location bits used to address a bucket.
const DefaultBucketBits = 16

// BucketID identifies a partition of the document space.
type BucketID uint64

// LocationFromContent generates a deterministic location from text content using BLAKE2b hashing.
// Group names and documents without an explicit location are placed with it.
func LocationFromContent(text string) uint64 {
	h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
	h.Write([]byte(text))
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum)
}

// BucketForLocation masks a location down to its bucket.
func BucketForLocation(location uint64, bits int) BucketID {
	if bits <= 0 || bits >= 64 {
		return BucketID(location)
	}
	return BucketID(location & (uint64(1)<<uint(bits) - 1))
}

// DocumentID is a parsed document identifier of the form
// id:<namespace>:<doctype>:<key-value>:<local>, where the key-value part is
// empty, n=<number> or g=<group>.
type DocumentID struct {
	Namespace string
	DocType   string
	UserID    uint64
	HasUser   bool
	Group     string
	HasGroup  bool
	Local     string
}

// ParseDocumentID parses the textual form of a document id.
func ParseDocumentID(s string) (DocumentID, error) {
	var id DocumentID
	rest, ok := strings.CutPrefix(s, "id:")
	if !ok {
		return id, wrapInvalidID(s, "missing id: scheme")
	}
	parts := strings.SplitN(rest, ":", 4)
	if len(parts) != 4 {
		return id, wrapInvalidID(s, "expected namespace, type, key-values and local part")
	}
	id.Namespace, id.DocType, id.Local = parts[0], parts[1], parts[3]
	if id.DocType == "" {
		return id, wrapInvalidID(s, "empty document type")
	}
	if id.Local == "" {
		return id, wrapInvalidID(s, "empty local part")
	}

	kv := parts[2]
	if kv == "" {
		return id, nil
	}
	key, value, ok := strings.Cut(kv, "=")
	if !ok {
		return id, wrapInvalidID(s, "malformed key-value part "+strconv.Quote(kv))
	}
	switch key {
	case "n":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return id, wrapInvalidID(s, "user id is not a number")
		}
		id.UserID, id.HasUser = n, true
	case "g":
		if value == "" {
			return id, wrapInvalidID(s, "empty group")
		}
		id.Group, id.HasGroup = value, true
	default:
		return id, wrapInvalidID(s, "unknown key "+strconv.Quote(key))
	}
	return id, nil
}

// String renders the id in its canonical textual form.
func (id DocumentID) String() string {
	var kv string
	switch {
	case id.HasUser:
		kv = "n=" + strconv.FormatUint(id.UserID, 10)
	case id.HasGroup:
		kv = "g=" + id.Group
	}
	return "id:" + id.Namespace + ":" + id.DocType + ":" + kv + ":" + id.Local
}

// Location returns the 64-bit location the document is stored under.
func (id DocumentID) Location() uint64 {
	switch {
	case id.HasUser:
		return id.UserID
	case id.HasGroup:
		return LocationFromContent(id.Group)
	default:
		return LocationFromContent(id.String())
	}
}

// Bucket returns the bucket holding the document.
func (id DocumentID) Bucket(bits int) BucketID {
	return BucketForLocation(id.Location(), bits)
}

// Document is a stored document with string-valued fields.
type Document struct {
	ID     string
	Fields map[string]string
}

// Hit is a single ranked match produced by a bucket visit.
type Hit struct {
	DocID         string
	Rank          float64
	SortKey       []byte // Order-preserving sort blob, empty when the query is not sorted
	MatchFeatures []byte // Optional precomputed feature data
}

// SortField names a field to order results by.
type SortField struct {
	Field      string
	Descending bool
}

// Ranking selects the rank profile and its properties.
type Ranking struct {
	Profile    string
	Properties map[string]string
}

// Query is a streaming search request.
// Exactly one of UserID, GroupName and Selection must be set.
type Query struct {
	UserID    string
	GroupName string
	Selection string

	Schema        string
	Offset        int
	Hits          int
	Timeout       time.Duration
	StartedAt     time.Time
	Ranking       Ranking
	Sort          []SortField
	Grouping      []grouping.Request
	SummaryFields []string
	TraceLevel    int // 0 means no explicit trace level
}

// TimeLeft returns the remaining time budget of the query at now.
func (q *Query) TimeLeft(now time.Time) time.Duration {
	if q.StartedAt.IsZero() {
		return q.Timeout
	}
	return q.Timeout - now.Sub(q.StartedAt)
}

// LocationConstrained reports whether the query targets a single user or group.
func (q *Query) LocationConstrained() bool {
	return q.UserID != "" || q.GroupName != ""
}

// Coverage describes how much of the target document set was examined.
type Coverage struct {
	Docs     int64
	Active   int64
	Target   int64
	Degraded bool
}

// Percent returns the covered fraction of the target as a percentage.
func (c Coverage) Percent() float64 {
	if c.Target == 0 {
		return 100
	}
	return float64(c.Docs) / float64(c.Target) * 100
}
