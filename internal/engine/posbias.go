package engine

import "math"

// relativeBucket maps a relative position (memory index minus query
// index) to a learned bias bucket: exact buckets near zero, log-spaced
// buckets out to maxDistance. Encoder attention is bidirectional (sign
// carried in the upper bucket half); decoder self-attention only ever
// looks backwards.
func relativeBucket(relPos int, bidirectional bool, numBuckets, maxDistance int) int {
	bucket := 0
	n := numBuckets
	if bidirectional {
		n /= 2
		if relPos > 0 {
			bucket += n
		}
		if relPos < 0 {
			relPos = -relPos
		}
	} else {
		if relPos > 0 {
			relPos = 0
		}
		relPos = -relPos
	}

	maxExact := n / 2
	if relPos < maxExact {
		return bucket + relPos
	}

	scaled := maxExact + int(
		math.Log(float64(relPos)/float64(maxExact))/
			math.Log(float64(maxDistance)/float64(maxExact))*
			float64(n-maxExact))
	if scaled > n-1 {
		scaled = n - 1
	}
	return bucket + scaled
}

// posBias returns the learned bias for head h between query position qi
// and memory position mi, from a [position_buckets, heads] table.
func (e *Engine) posBias(table []float32, h, qi, mi int, bidirectional bool) float32 {
	b := relativeBucket(mi-qi, bidirectional, e.Model.PositionBuckets, e.Model.MaxDistance)
	return table[b*e.Model.Heads+h]
}
