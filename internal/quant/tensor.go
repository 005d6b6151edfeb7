package quant

import (
	"errors"
	"fmt"
	"math"

	"github.com/x448/float16"
)

var (
	// ErrCorruptWeights means the stored scale count does not match the
	// declared grouping, or the payload length disagrees with the shape.
	ErrCorruptWeights = errors.New("corrupt weights")

	// ErrShapeMismatch means a caller-supplied buffer cannot hold the
	// dequantized tensor.
	ErrShapeMismatch = errors.New("shape mismatch")
)

// QuantizedTensor is the immutable host-resident form of one weight
// tensor: 8-bit values plus one half-precision scale per group.
// Never mutated after construction.
type QuantizedTensor struct {
	Name      string
	Shape     []int
	GroupSize int
	Data      []int8
	Scales    []float16.Float16
}

// NumElements returns the logical element count of the tensor.
func (t *QuantizedTensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// ByteSize is the host footprint: quantized values plus fp16 scales.
func (t *QuantizedTensor) ByteSize() int {
	return len(t.Data) + 2*len(t.Scales)
}

func numGroups(elements, groupSize int) int {
	return (elements + groupSize - 1) / groupSize
}

// NewQuantizedTensor validates and wraps pre-quantized storage.
func NewQuantizedTensor(name string, shape []int, groupSize int, data []int8, scales []float16.Float16) (*QuantizedTensor, error) {
	if groupSize <= 0 {
		return nil, fmt.Errorf("%w: tensor %q: group size %d", ErrCorruptWeights, name, groupSize)
	}
	t := &QuantizedTensor{Name: name, Shape: shape, GroupSize: groupSize, Data: data, Scales: scales}
	n := t.NumElements()
	if len(data) != n {
		return nil, fmt.Errorf("%w: tensor %q: %d values for shape %v (%d elements)",
			ErrCorruptWeights, name, len(data), shape, n)
	}
	if len(scales) != numGroups(n, groupSize) {
		return nil, fmt.Errorf("%w: tensor %q: %d scales, grouping of %d over %d elements needs %d",
			ErrCorruptWeights, name, len(scales), groupSize, n, numGroups(n, groupSize))
	}
	return t, nil
}

// Quantize converts full-precision values into a QuantizedTensor with
// symmetric per-group int8 scaling. The round trip error per element is
// bounded by half the group scale (scale = groupMaxAbs / 127).
func Quantize(name string, shape []int, groupSize int, values []float32) (*QuantizedTensor, error) {
	if groupSize <= 0 {
		return nil, fmt.Errorf("%w: tensor %q: group size %d", ErrCorruptWeights, name, groupSize)
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	if len(values) != n {
		return nil, fmt.Errorf("%w: tensor %q: %d values for shape %v", ErrShapeMismatch, name, len(values), shape)
	}

	data := make([]int8, n)
	scales := make([]float16.Float16, numGroups(n, groupSize))

	for g := range scales {
		start := g * groupSize
		end := start + groupSize
		if end > n {
			end = n
		}

		maxAbs := float32(0)
		for _, v := range values[start:end] {
			a := v
			if a < 0 {
				a = -a
			}
			if a > maxAbs {
				maxAbs = a
			}
		}

		scale := maxAbs / 127.0
		scales[g] = float16.Fromfloat32(scale)
		// Quantize against the fp16-rounded scale so the round trip
		// bound holds for exactly the scale we store.
		scale = scales[g].Float32()

		for i := start; i < end; i++ {
			if scale == 0 {
				data[i] = 0
				continue
			}
			q := math.RoundToEven(float64(values[i] / scale))
			if q > 127 {
				q = 127
			} else if q < -127 {
				q = -127
			}
			data[i] = int8(q)
		}
	}

	return &QuantizedTensor{Name: name, Shape: shape, GroupSize: groupSize, Data: data, Scales: scales}, nil
}

// DequantizeInto expands t into dst, applying the per-group scale.
// dst must have capacity for every element.
func (t *QuantizedTensor) DequantizeInto(dst []float32) error {
	n := t.NumElements()
	if len(dst) < n {
		return fmt.Errorf("%w: tensor %q: destination holds %d of %d elements",
			ErrShapeMismatch, t.Name, len(dst), n)
	}
	if len(t.Scales) != numGroups(n, t.GroupSize) {
		return fmt.Errorf("%w: tensor %q: scale count %d does not match grouping",
			ErrCorruptWeights, t.Name, len(t.Scales))
	}

	for g, s := range t.Scales {
		scale := s.Float32()
		start := g * t.GroupSize
		end := start + t.GroupSize
		if end > n {
			end = n
		}
		for i := start; i < end; i++ {
			dst[i] = float32(t.Data[i]) * scale
		}
	}
	return nil
}

// GroupScale returns the float32 scale covering flat element index i.
func (t *QuantizedTensor) GroupScale(i int) float32 {
	return t.Scales[i/t.GroupSize].Float32()
}
