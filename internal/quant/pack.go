package quant

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/x448/float16"
)

// Slot wire format: for each tensor of the layer, in insertion order,
// the int8 payload followed by the little-endian fp16 scales. Offsets
// are fully determined by the host-resident tensor headers, so the
// compute side can resolve views without any framing bytes.

// PackInto serializes the layer's working set into dst and reports the
// bytes written. dst is typically an arena slot buffer.
func (lw *LayerWeights) PackInto(dst []byte) (int, error) {
	need := lw.ByteSize()
	if len(dst) < need {
		return 0, fmt.Errorf("%w: layer %d needs %d bytes, slot holds %d",
			ErrShapeMismatch, lw.Index, need, len(dst))
	}

	off := 0
	for _, name := range lw.names {
		t := lw.tensors[name]
		for _, v := range t.Data {
			dst[off] = byte(v)
			off++
		}
		for _, s := range t.Scales {
			binary.LittleEndian.PutUint16(dst[off:], uint16(s))
			off += 2
		}
	}
	return off, nil
}

// PackedTensor is a view of one tensor inside a packed slot buffer.
// Data aliases the slot and must not be retained past slot release.
type PackedTensor struct {
	Name      string
	Shape     []int
	GroupSize int
	Data      []byte    // int8 payload
	Scales    []float32 // decoded per-group scales
}

// Rows and Cols interpret the tensor as a [rows, cols] matrix.
func (p *PackedTensor) Rows() int {
	if len(p.Shape) == 0 {
		return 0
	}
	return p.Shape[0]
}

func (p *PackedTensor) Cols() int {
	n := 1
	for _, d := range p.Shape[1:] {
		n *= d
	}
	return n
}

// PackedView resolves tensors inside a filled slot buffer against the
// layer's host-resident headers.
type PackedView struct {
	Layer   int
	tensors map[string]*PackedTensor
}

// ViewPacked walks the slot buffer with the layer's tensor headers and
// materializes per-tensor views, decoding scales to float32.
func ViewPacked(lw *LayerWeights, buf []byte) (*PackedView, error) {
	need := lw.ByteSize()
	if len(buf) < need {
		return nil, fmt.Errorf("%w: layer %d packed as %d bytes, buffer holds %d",
			ErrShapeMismatch, lw.Index, need, len(buf))
	}

	v := &PackedView{Layer: lw.Index, tensors: make(map[string]*PackedTensor, len(lw.names))}
	off := 0
	for _, name := range lw.names {
		t := lw.tensors[name]
		n := t.NumElements()

		data := buf[off : off+n]
		off += n

		scales := make([]float32, len(t.Scales))
		for i := range scales {
			bits := binary.LittleEndian.Uint16(buf[off:])
			scales[i] = float16.Float16(bits).Float32()
			off += 2
		}

		v.tensors[name] = &PackedTensor{
			Name:      name,
			Shape:     t.Shape,
			GroupSize: t.GroupSize,
			Data:      data,
			Scales:    scales,
		}
	}
	return v, nil
}

// View adapts a host-resident tensor to the packed-tensor shape used by
// the kernels, without copying the payload. For always-resident weights
// (embedding, cross-KV projections) that never pass through a slot.
func (t *QuantizedTensor) View() *PackedTensor {
	var data []byte
	if len(t.Data) > 0 {
		data = unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(t.Data))), len(t.Data))
	}
	scales := make([]float32, len(t.Scales))
	for i, s := range t.Scales {
		scales[i] = s.Float32()
	}
	return &PackedTensor{
		Name:      t.Name,
		Shape:     t.Shape,
		GroupSize: t.GroupSize,
		Data:      data,
		Scales:    scales,
	}
}

// Tensor returns the named tensor view.
func (v *PackedView) Tensor(name string) (*PackedTensor, error) {
	t, ok := v.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: layer %d has no packed tensor %q", ErrCorruptWeights, v.Layer, name)
	}
	return t, nil
}
