package scheduler

import (
	"math/rand"
	"time"
)

// BuildSchedule assigns jittered start offsets so checks don't all fire at
// once: each sub-service draws uniformly from [10ms, 200ms); the main
// service draws uniformly from [maxSubOffset+100ms, maxSubOffset+300ms).
// specs must list all sub-services before the main service; the daemon
// wiring builds them in that order.
func BuildSchedule(specs []CheckSpec, rng *rand.Rand) []CheckSpec {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	out := make([]CheckSpec, len(specs))
	copy(out, specs)

	var maxSubOffset time.Duration
	for i := range out {
		if out[i].IsMain {
			continue
		}
		offset := jitter(rng, 10, 200)
		out[i].StartJitter = offset
		if offset > maxSubOffset {
			maxSubOffset = offset
		}
	}

	for i := range out {
		if !out[i].IsMain {
			continue
		}
		lo := maxSubOffset + 100*time.Millisecond
		hi := maxSubOffset + 300*time.Millisecond
		out[i].StartJitter = lo + time.Duration(rng.Int63n(int64(hi-lo)))
	}

	return out
}

// jitter draws a duration uniformly from [loMs, hiMs) milliseconds.
func jitter(rng *rand.Rand, loMs, hiMs int64) time.Duration {
	span := hiMs - loMs
	return time.Duration(loMs+rng.Int63n(span)) * time.Millisecond
}
