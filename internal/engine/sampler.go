package engine

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"
)

// Sampler draws next tokens under a validated SamplingConfig,
// reproducing nucleus + top-n sampling with penalty shaping. Occurrence
// counts cover the whole request: the input sequence seeds them, every
// sampled token extends them.
type Sampler struct {
	cfg    SamplingConfig
	rng    *rand.Rand
	counts map[int]int
}

// NewSampler snapshots cfg (already validated) and seeds penalty counts
// from the request's input tokens.
func NewSampler(cfg SamplingConfig, inputIDs []int) *Sampler {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &Sampler{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(seed)),
		counts: make(map[int]int, len(inputIDs)),
	}
	for _, id := range inputIDs {
		s.counts[id]++
	}
	return s
}

type tokenProb struct {
	id   int
	prob float64
}

// Sample draws one token from logits. No fallback token is ever
// substituted: a non-finite distribution is an error.
func (s *Sampler) Sample(logits []float32) (int, error) {
	adjusted := make([]float64, len(logits))
	for i, v := range logits {
		a := float64(v) / s.cfg.Temperature
		if n := s.counts[i]; n > 0 {
			a -= s.cfg.FrequencyPenalty * float64(n)
			a -= s.cfg.PresencePenalty
		}
		adjusted[i] = a
	}

	maxVal := math.Inf(-1)
	for _, v := range adjusted {
		if v > maxVal {
			maxVal = v
		}
	}
	if math.IsNaN(maxVal) || math.IsInf(maxVal, 0) {
		return 0, fmt.Errorf("%w: non-finite logits entering sampler", ErrNumericAnomaly)
	}

	sum := 0.0
	probs := make([]tokenProb, len(adjusted))
	for i, v := range adjusted {
		p := math.Exp(v - maxVal)
		probs[i] = tokenProb{id: i, prob: p}
		sum += p
	}
	if sum == 0 || math.IsNaN(sum) {
		return 0, fmt.Errorf("%w: degenerate distribution in sampler", ErrNumericAnomaly)
	}
	for i := range probs {
		probs[i].prob /= sum
	}

	// Descending probability; stable sort keeps equal-probability
	// tokens in ascending vocabulary order.
	sort.SliceStable(probs, func(i, j int) bool {
		return probs[i].prob > probs[j].prob
	})

	// Smallest prefix reaching the nucleus threshold, capped at TopN.
	cut := len(probs)
	cum := 0.0
	for i, c := range probs {
		cum += c.prob
		if cum >= s.cfg.TopP {
			cut = i + 1
			break
		}
	}
	if s.cfg.TopN > 0 && cut > s.cfg.TopN {
		cut = s.cfg.TopN
	}
	candidates := probs[:cut]

	total := 0.0
	for _, c := range candidates {
		total += c.prob
	}

	r := s.rng.Float64() * total
	acc := 0.0
	chosen := candidates[len(candidates)-1].id
	for _, c := range candidates {
		acc += c.prob
		if r < acc {
			chosen = c.id
			break
		}
	}

	s.counts[chosen]++
	return chosen, nil
}

// Observe records a token the controller fed without sampling (e.g. the
// span prompt tokens), keeping penalty counts request-accurate.
func (s *Sampler) Observe(id int) {
	s.counts[id]++
}
