package builder

import (
	"math/bits"

	"github.com/dotcommander/mnemo/internal/models"
)

// Omission reasons recorded in the bundle so callers can see why a candidate
// was left out.
const (
	ReasonSectionBudget = "section_budget"
	ReasonTotalBudget   = "total_budget"
	ReasonDuplicate     = "duplicate_content"
	ReasonNearDuplicate = "near_duplicate"
	ReasonMissingRefs   = "missing_refs"
	ReasonDeadline      = "deadline"
	ReasonSuppressed    = "suppressed_channel"
)

// deduper tracks what has already been packed. Exact restatements collapse on
// content hash; cross-phrasing duplicates collapse when their SimHashes land
// within the configured Hamming distance.
type deduper struct {
	maxDistance int
	hashes      map[string]bool
	simhashes   []uint64
}

func newDeduper(maxDistance int) *deduper {
	return &deduper{
		maxDistance: maxDistance,
		hashes:      make(map[string]bool),
	}
}

// check reports whether the chunk duplicates packed content and, if so, why.
// Non-duplicates are recorded as packed.
func (d *deduper) check(c *models.Chunk) (string, bool) {
	if d.hashes[c.ContentHash] {
		return ReasonDuplicate, true
	}
	if c.SimHash != 0 {
		for _, h := range d.simhashes {
			if bits.OnesCount64(h^c.SimHash) <= d.maxDistance {
				return ReasonNearDuplicate, true
			}
		}
	}
	d.hashes[c.ContentHash] = true
	if c.SimHash != 0 {
		d.simhashes = append(d.simhashes, c.SimHash)
	}
	return "", false
}
