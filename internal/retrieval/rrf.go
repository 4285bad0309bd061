package retrieval

// FuseRRF combines ranked id lists with reciprocal rank fusion: each list
// contributes 1/(k+rank) per id, rank starting at 1. Ids missing from a list
// simply contribute nothing from it.
func FuseRRF(k int, rankings ...[]string) map[string]float64 {
	if k <= 0 {
		k = 60
	}
	fused := make(map[string]float64)
	for _, ranking := range rankings {
		for i, id := range ranking {
			fused[id] += 1.0 / float64(k+i+1)
		}
	}
	return fused
}
