package ring

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	"sort"

	"github.com/rawblock/mixcoordinator/internal/config"
	"github.com/rawblock/mixcoordinator/pkg/models"
)

// UTXOSource supplies candidate decoy outputs for ring construction,
// filtered by currency and block-age window (spec.md §4.3's
// minimumAge/maximumAge parameters).
type UTXOSource interface {
	CandidateKeys(currency config.Currency, minAge, maxAge int64, currentHeight int64) ([]models.RingKey, error)
}

// SelectDecoys draws ringSize-1 decoys from pool using the configured
// distribution, then places realKey at a uniformly random index
// (spec.md §4.3: "places the real key at a uniformly chosen index").
func SelectDecoys(pool []models.RingKey, realKey models.RingKey, ringSize int, distribution string, currentHeight int64) ([]models.RingKey, int, error) {
	need := ringSize - 1
	if need < 0 {
		need = 0
	}
	if len(pool) < need {
		need = len(pool)
	}

	var picked []models.RingKey
	switch distribution {
	case "UNIFORM":
		picked = pickUniform(pool, need)
	case "TRIANGULAR":
		picked = pickWeighted(pool, need, currentHeight, triangularWeight)
	default: // "GAMMA"
		picked = pickWeighted(pool, need, currentHeight, gammaWeight)
	}

	ring := make([]models.RingKey, 0, len(picked)+1)
	ring = append(ring, picked...)
	realIndex, err := uniformIndex(len(ring) + 1)
	if err != nil {
		return nil, 0, err
	}
	ring = append(ring, models.RingKey{})
	copy(ring[realIndex+1:], ring[realIndex:len(ring)-1])
	ring[realIndex] = realKey

	return ring, realIndex, nil
}

func pickUniform(pool []models.RingKey, n int) []models.RingKey {
	idxs := shuffledIndices(len(pool))
	out := make([]models.RingKey, 0, n)
	for i := 0; i < n && i < len(idxs); i++ {
		out = append(out, pool[idxs[i]])
	}
	return out
}

// pickWeighted ranks the pool by a recency-based weight function and
// returns the n highest-weighted keys — the same spirit as Monero's
// gamma-distributed decoy selection, approximated here with a
// deterministic weight-sort. There is no random draw: keys of equal
// weight keep their pool order.
func pickWeighted(pool []models.RingKey, n int, currentHeight int64, weight func(age int64) float64) []models.RingKey {
	type scored struct {
		key models.RingKey
		w   float64
	}
	scoredPool := make([]scored, len(pool))
	for i, k := range pool {
		age := currentHeight - k.BlockHeight
		scoredPool[i] = scored{key: k, w: weight(age)}
	}
	sort.SliceStable(scoredPool, func(i, j int) bool { return scoredPool[i].w > scoredPool[j].w })

	out := make([]models.RingKey, 0, n)
	for i := 0; i < n && i < len(scoredPool); i++ {
		out = append(out, scoredPool[i].key)
	}
	return out
}

// triangularWeight peaks at moderate age and falls off linearly on both
// sides (UNIFORM-adjacent distribution used when distribution=TRIANGULAR).
func triangularWeight(age int64) float64 {
	mid := 200.0
	d := math.Abs(float64(age) - mid)
	w := 1.0 - d/mid
	if w < 0 {
		w = 0.0001
	}
	return w
}

// gammaWeight approximates a gamma(shape=19.28, scale=1.61) decay
// curve over block age, favoring recently-confirmed-but-not-brand-new
// outputs the way Monero's decoy selection does.
func gammaWeight(age int64) float64 {
	if age <= 0 {
		return 0.0001
	}
	x := float64(age)
	const shape = 19.28
	const scale = 1.61
	// Computed in log space: x^(shape-1) overflows float64 for large
	// ages long before the exp(-x/scale) term brings it back down.
	logWeight := (shape-1)*math.Log(x) - x/scale
	return math.Exp(logWeight)
}

func shuffledIndices(n int) []int {
	idxs := make([]int, n)
	for i := range idxs {
		idxs[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j, err := uniformIndex(i + 1)
		if err != nil {
			continue
		}
		idxs[i], idxs[j] = idxs[j], idxs[i]
	}
	return idxs
}

func uniformIndex(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint32(b[:]) % uint32(n)), nil
}
