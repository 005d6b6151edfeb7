package engine

import (
	"fmt"
)

// KVCache holds the decoder's past keys and values for every layer,
// densely packed as [layers][max_len][heads*dim_kv]. Request-scoped and
// mutated in place as decoding advances; never shared across requests.
type KVCache struct {
	layers int
	maxLen int
	width  int // heads * dim_kv

	k []float32
	v []float32
}

func NewKVCache(layers, maxLen, width int) *KVCache {
	return &KVCache{
		layers: layers,
		maxLen: maxLen,
		width:  width,
		k:      make([]float32, layers*maxLen*width),
		v:      make([]float32, layers*maxLen*width),
	}
}

// MaxLen returns the cache's position capacity.
func (c *KVCache) MaxLen() int { return c.maxLen }

// Update stores the step's key/value vectors for one layer at pos.
func (c *KVCache) Update(layer, pos int, k, v []float32) error {
	if layer < 0 || layer >= c.layers {
		return fmt.Errorf("kv cache: layer %d out of range [0, %d)", layer, c.layers)
	}
	if pos < 0 || pos >= c.maxLen {
		return fmt.Errorf("kv cache: position %d out of range [0, %d)", pos, c.maxLen)
	}
	if len(k) != c.width || len(v) != c.width {
		return fmt.Errorf("kv cache: vector width %d/%d, want %d", len(k), len(v), c.width)
	}
	off := (layer*c.maxLen + pos) * c.width
	copy(c.k[off:off+c.width], k)
	copy(c.v[off:off+c.width], v)
	return nil
}

// Keys returns layer's keys for positions [0, upto).
func (c *KVCache) Keys(layer, upto int) []float32 {
	base := layer * c.maxLen * c.width
	return c.k[base : base+upto*c.width]
}

// Values returns layer's values for positions [0, upto).
func (c *KVCache) Values(layer, upto int) []float32 {
	base := layer * c.maxLen * c.width
	return c.v[base : base+upto*c.width]
}
