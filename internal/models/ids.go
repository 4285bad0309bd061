package models

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ID prefixes, one per table. IDs are "{prefix}_{ULID}": ASCII, fixed
// length, time-sorted, unique per process via a monotonic entropy source.
const (
	PrefixEvent     = "evt"
	PrefixChunk     = "chk"
	PrefixDecision  = "dec"
	PrefixTask      = "tsk"
	PrefixArtifact  = "art"
	PrefixHandoff   = "ho"
	PrefixPrinciple = "sp"
	PrefixNote      = "kn"
	PrefixCapsule   = "cap"
	PrefixEdit      = "med"
	PrefixBundle    = "acb"
)

//nolint:gochecknoglobals // monotonic ULID entropy shared across goroutines; required for sorted same-ms ids
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID creates a prefixed, time-sorted id such as "evt_01JF8Z4M0RW...".
// If the entropy source fails, the id degrades to a nanosecond timestamp,
// which preserves uniqueness at daemon scale.
func NewID(prefix string) string {
	now := time.Now().UTC()
	entropyMu.Lock()
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	entropyMu.Unlock()
	if err != nil {
		return fmt.Sprintf("%s_%d", prefix, now.UnixNano())
	}
	return prefix + "_" + id.String()
}

// DeriveChunkID computes the id of the index-th chunk of an event. The id is
// a pure function of (eventID, index): the timestamp half comes from the
// event's ULID and the entropy half from a hash, so re-deriving chunks from
// stored events reproduces identical chunk ids.
func DeriveChunkID(eventID string, index int) string {
	var ts uint64
	if u, err := parseIDULID(eventID); err == nil {
		ts = u.Time()
	}
	sum := sha256.Sum256([]byte(eventID + ":" + fmt.Sprintf("%d", index)))

	var id ulid.ULID
	if err := id.SetTime(ts); err != nil {
		return fmt.Sprintf("%s_%s_%d", PrefixChunk, eventID, index)
	}
	if err := id.SetEntropy(sum[:10]); err != nil {
		return fmt.Sprintf("%s_%s_%d", PrefixChunk, eventID, index)
	}
	return PrefixChunk + "_" + id.String()
}

// IDTime extracts the creation time encoded in a prefixed id. Returns the
// zero time when the id does not carry a parseable ULID.
func IDTime(id string) time.Time {
	u, err := parseIDULID(id)
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(u.Time()).UTC()
}

// HasPrefix reports whether id carries the given table prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}

func parseIDULID(id string) (ulid.ULID, error) {
	idx := strings.IndexByte(id, '_')
	if idx < 0 || idx+1 >= len(id) {
		return ulid.ULID{}, fmt.Errorf("id %q has no ulid part", id)
	}
	return ulid.ParseStrict(id[idx+1:])
}

// ContentHash returns the canonical sha256 hex digest used for event and
// chunk dedupe. Text is trimmed so trailing-whitespace variants collide.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return fmt.Sprintf("%x", sum[:])
}
