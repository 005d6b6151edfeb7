package checkpoint

import (
	"bytes"
	"errors"
	"testing"

	"github.com/23skdu/longbow-infill/internal/config"
	"github.com/23skdu/longbow-infill/internal/quant"
)

func testModel() config.Model {
	m := config.DefaultModel()
	m.VocabSize = 32
	m.DimModel = 8
	m.DimFF = 16
	m.DimKV = 2
	m.Heads = 4
	m.EncoderLayers = 2
	m.DecoderLayers = 2
	m.StartID = 1
	m.EODID = 2
	m.SpanID = 20
	return m
}

func mustQuantize(t *testing.T, name string, shape []int, groupSize int) *quant.QuantizedTensor {
	t.Helper()
	n := 1
	for _, d := range shape {
		n *= d
	}
	values := make([]float32, n)
	for i := range values {
		values[i] = float32(i%17)*0.02 - 0.15
	}
	qt, err := quant.Quantize(name, shape, groupSize, values)
	if err != nil {
		t.Fatalf("Quantize(%s): %v", name, err)
	}
	return qt
}

func fillStore(t *testing.T, m config.Model) *quant.Store {
	t.Helper()
	s := quant.NewStore(m)
	dim := m.DimModel
	inner := m.Heads * m.DimKV

	s.TokenEmbedding = mustQuantize(t, "token_embd", []int{m.VocabSize, dim}, dim)
	s.EncoderPosBias = mustQuantize(t, "enc_pos_bias", []int{m.PositionBuckets, m.Heads}, m.Heads)
	s.DecoderPosBias = mustQuantize(t, "dec_pos_bias", []int{m.PositionBuckets, m.Heads}, m.Heads)
	s.EncoderFinalNorm = mustQuantize(t, "enc_final_norm", []int{dim}, dim)
	s.DecoderFinalNorm = mustQuantize(t, "dec_final_norm", []int{dim}, dim)

	addCommon := func(lw *quant.LayerWeights) {
		lw.Add(mustQuantize(t, quant.TensorAttnNorm, []int{dim}, dim))
		lw.Add(mustQuantize(t, quant.TensorAttnQ, []int{inner, dim}, dim))
		lw.Add(mustQuantize(t, quant.TensorAttnK, []int{inner, dim}, dim))
		lw.Add(mustQuantize(t, quant.TensorAttnV, []int{inner, dim}, dim))
		lw.Add(mustQuantize(t, quant.TensorAttnOut, []int{dim, inner}, inner))
		lw.Add(mustQuantize(t, quant.TensorFFNNorm, []int{dim}, dim))
		lw.Add(mustQuantize(t, quant.TensorFFNIn, []int{m.DimFF, dim}, dim))
		lw.Add(mustQuantize(t, quant.TensorFFNOut, []int{dim, m.DimFF}, m.DimFF))
	}
	for _, lw := range s.Encoder {
		addCommon(lw)
	}
	for i, lw := range s.Decoder {
		addCommon(lw)
		lw.Add(mustQuantize(t, quant.TensorCrossNorm, []int{dim}, dim))
		lw.Add(mustQuantize(t, quant.TensorCrossQ, []int{inner, dim}, dim))
		lw.Add(mustQuantize(t, quant.TensorCrossOut, []int{dim, inner}, inner))
		s.CrossK[i] = mustQuantize(t, "cross_k", []int{inner, dim}, dim)
		s.CrossV[i] = mustQuantize(t, "cross_v", []int{inner, dim}, dim)
	}
	return s
}

func tensorsEqual(a, b *quant.QuantizedTensor) bool {
	if a.Name != b.Name || a.GroupSize != b.GroupSize {
		return false
	}
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	if len(a.Data) != len(b.Data) || len(a.Scales) != len(b.Scales) {
		return false
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			return false
		}
	}
	for i := range a.Scales {
		if a.Scales[i] != b.Scales[i] {
			return false
		}
	}
	return true
}

func TestCheckpointRoundTrip(t *testing.T) {
	src := fillStore(t, testModel())

	var buf bytes.Buffer
	if err := Write(&buf, src); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if got.Model != src.Model {
		t.Errorf("model config changed: %+v vs %+v", got.Model, src.Model)
	}
	if !tensorsEqual(got.TokenEmbedding, src.TokenEmbedding) {
		t.Error("token embedding changed across round trip")
	}
	for i := range src.Encoder {
		for _, name := range src.Encoder[i].Names() {
			want, _ := src.Encoder[i].Get(name)
			have, ok := got.Encoder[i].Get(name)
			if !ok || !tensorsEqual(have, want) {
				t.Errorf("encoder layer %d tensor %q changed", i, name)
			}
		}
	}
	for i := range src.Decoder {
		if !tensorsEqual(got.CrossK[i], src.CrossK[i]) || !tensorsEqual(got.CrossV[i], src.CrossV[i]) {
			t.Errorf("decoder layer %d cross projections changed", i)
		}
	}
}

func TestCheckpointRoundTripWithLMHead(t *testing.T) {
	src := fillStore(t, testModel())
	src.LMHead = mustQuantize(t, "lm_head", []int{32, 8}, 8)

	var buf bytes.Buffer
	if err := Write(&buf, src); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.LMHead == nil || !tensorsEqual(got.LMHead, src.LMHead) {
		t.Error("LM head lost across round trip")
	}
}

func TestWriteRejectsIncompleteStore(t *testing.T) {
	s := fillStore(t, testModel())
	s.TokenEmbedding = nil

	var buf bytes.Buffer
	if err := Write(&buf, s); !errors.Is(err, quant.ErrCorruptWeights) {
		t.Fatalf("got %v, want ErrCorruptWeights", err)
	}
}

func TestReadGarbage(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("not an arrow file at all")))
	if !errors.Is(err, quant.ErrCorruptWeights) {
		t.Fatalf("got %v, want ErrCorruptWeights", err)
	}
}

func TestRawRoundTrip(t *testing.T) {
	m := testModel()
	tensors := []RawTensor{
		{Name: "token_embd", Role: RoleEmbedding, Layer: -1, Shape: []int{4, 2},
			Values: []float32{0.5, -0.25, 0, 1, -1, 0.125, 2, -2}},
		{Name: quant.TensorAttnQ, Role: RoleEncoder, Layer: 0, Shape: []int{2, 2},
			Values: []float32{1, 2, 3, 4}},
	}

	var buf bytes.Buffer
	if err := WriteRaw(&buf, m, tensors); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}

	gotModel, got, err := ReadRaw(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadRaw: %v", err)
	}
	if gotModel != m {
		t.Errorf("model config changed: %+v vs %+v", gotModel, m)
	}
	if len(got) != len(tensors) {
		t.Fatalf("got %d tensors, want %d", len(got), len(tensors))
	}
	for i, want := range tensors {
		have := got[i]
		if have.Name != want.Name || have.Role != want.Role || have.Layer != want.Layer {
			t.Errorf("tensor %d identity changed: %+v", i, have)
		}
		for j := range want.Values {
			if have.Values[j] != want.Values[j] {
				t.Errorf("tensor %d values changed at %d", i, j)
			}
		}
	}
}
