package quant

import (
	"fmt"

	"github.com/23skdu/longbow-infill/internal/config"
)

// Tensor names within a layer. Encoder layers carry the attention and
// feed-forward set; decoder layers add the cross-attention set.
const (
	TensorAttnNorm = "attn_norm"
	TensorAttnQ    = "attn_q"
	TensorAttnK    = "attn_k"
	TensorAttnV    = "attn_v"
	TensorAttnOut  = "attn_out"

	TensorCrossNorm = "cross_norm"
	TensorCrossQ    = "cross_q"
	TensorCrossOut  = "cross_out"

	TensorFFNNorm = "ffn_norm"
	TensorFFNIn   = "ffn_in"
	TensorFFNOut  = "ffn_out"
)

// EncoderTensorNames is the required tensor set for an encoder layer,
// in stream order.
var EncoderTensorNames = []string{
	TensorAttnNorm, TensorAttnQ, TensorAttnK, TensorAttnV, TensorAttnOut,
	TensorFFNNorm, TensorFFNIn, TensorFFNOut,
}

// DecoderTensorNames is the required tensor set for a decoder layer.
var DecoderTensorNames = []string{
	TensorAttnNorm, TensorAttnQ, TensorAttnK, TensorAttnV, TensorAttnOut,
	TensorCrossNorm, TensorCrossQ, TensorCrossOut,
	TensorFFNNorm, TensorFFNIn, TensorFFNOut,
}

// LayerWeights is the ordered, named tensor collection for one
// transformer layer. Owned by the Store for the model's lifetime.
type LayerWeights struct {
	Index   int
	names   []string
	tensors map[string]*QuantizedTensor
}

func NewLayerWeights(index int) *LayerWeights {
	return &LayerWeights{
		Index:   index,
		tensors: make(map[string]*QuantizedTensor),
	}
}

func (lw *LayerWeights) Add(t *QuantizedTensor) {
	if _, ok := lw.tensors[t.Name]; !ok {
		lw.names = append(lw.names, t.Name)
	}
	lw.tensors[t.Name] = t
}

func (lw *LayerWeights) Get(name string) (*QuantizedTensor, bool) {
	t, ok := lw.tensors[name]
	return t, ok
}

// Names returns tensor names in insertion order.
func (lw *LayerWeights) Names() []string {
	return lw.names
}

// ByteSize is the packed size of the layer's working set: every
// tensor's quantized values and scales. This drives arena slot sizing.
func (lw *LayerWeights) ByteSize() int {
	total := 0
	for _, name := range lw.names {
		total += lw.tensors[name].ByteSize()
	}
	return total
}

func (lw *LayerWeights) require(names []string) error {
	for _, name := range names {
		if _, ok := lw.tensors[name]; !ok {
			return fmt.Errorf("%w: layer %d missing tensor %q", ErrCorruptWeights, lw.Index, name)
		}
	}
	return nil
}

// Store holds every layer's quantized weights plus the always-resident
// shared tensors. Immutable after Finalize; freely shared across
// concurrent generation requests.
type Store struct {
	Model config.Model

	TokenEmbedding *QuantizedTensor // [vocab, dim_model]
	LMHead         *QuantizedTensor // nil means tied to TokenEmbedding

	EncoderPosBias *QuantizedTensor // [position_buckets, heads]
	DecoderPosBias *QuantizedTensor

	EncoderFinalNorm *QuantizedTensor // [dim_model]
	DecoderFinalNorm *QuantizedTensor

	// Cross-attention key/value projections per decoder layer, applied
	// once to the encoder output and therefore kept resident rather
	// than streamed.
	CrossK []*QuantizedTensor // [heads*dim_kv, dim_model]
	CrossV []*QuantizedTensor

	Encoder []*LayerWeights
	Decoder []*LayerWeights
}

func NewStore(model config.Model) *Store {
	s := &Store{
		Model:   model,
		Encoder: make([]*LayerWeights, model.EncoderLayers),
		Decoder: make([]*LayerWeights, model.DecoderLayers),
		CrossK:  make([]*QuantizedTensor, model.DecoderLayers),
		CrossV:  make([]*QuantizedTensor, model.DecoderLayers),
	}
	for i := range s.Encoder {
		s.Encoder[i] = NewLayerWeights(i)
	}
	for i := range s.Decoder {
		s.Decoder[i] = NewLayerWeights(i)
	}
	return s
}

// Finalize checks the store for completeness. A model handle is never
// returned from a partial store.
func (s *Store) Finalize() error {
	if err := s.Model.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptWeights, err)
	}
	if s.TokenEmbedding == nil {
		return fmt.Errorf("%w: missing token embedding", ErrCorruptWeights)
	}
	if s.EncoderPosBias == nil || s.DecoderPosBias == nil {
		return fmt.Errorf("%w: missing position bias tables", ErrCorruptWeights)
	}
	if s.EncoderFinalNorm == nil || s.DecoderFinalNorm == nil {
		return fmt.Errorf("%w: missing final norm weights", ErrCorruptWeights)
	}
	for i, lw := range s.Encoder {
		if err := lw.require(EncoderTensorNames); err != nil {
			return fmt.Errorf("encoder: %w", err)
		}
		if lw.Index != i {
			return fmt.Errorf("%w: encoder layer %d indexed %d", ErrCorruptWeights, i, lw.Index)
		}
	}
	for i, lw := range s.Decoder {
		if err := lw.require(DecoderTensorNames); err != nil {
			return fmt.Errorf("decoder: %w", err)
		}
		if s.CrossK[i] == nil || s.CrossV[i] == nil {
			return fmt.Errorf("%w: decoder layer %d missing cross kv projection", ErrCorruptWeights, i)
		}
	}
	return nil
}

// Output returns the LM head tensor, falling back to the tied token
// embedding.
func (s *Store) Output() *QuantizedTensor {
	if s.LMHead != nil {
		return s.LMHead
	}
	return s.TokenEmbedding
}

// MaxLayerBytes is the largest packed layer working set across both
// stacks. One arena slot must hold at least this much.
func (s *Store) MaxLayerBytes() int {
	max := 0
	for _, lw := range s.Encoder {
		if b := lw.ByteSize(); b > max {
			max = b
		}
	}
	for _, lw := range s.Decoder {
		if b := lw.ByteSize(); b > max {
			max = b
		}
	}
	return max
}
