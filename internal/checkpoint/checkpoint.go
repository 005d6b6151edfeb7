// Package checkpoint stores quantized model weights as an Arrow IPC
// file: one row per tensor, model architecture in the schema metadata.
// The same layout, with float32 payloads and no scales, carries
// unquantized weights into the quantize tool.
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-infill/internal/config"
	"github.com/23skdu/longbow-infill/internal/quant"
)

// Tensor roles, stored per row. Stack tensors carry their layer index;
// shared tensors use layer -1.
const (
	RoleEmbedding    = "embedding"
	RoleLMHead       = "lm_head"
	RoleEncPosBias   = "enc_pos_bias"
	RoleDecPosBias   = "dec_pos_bias"
	RoleEncFinalNorm = "enc_final_norm"
	RoleDecFinalNorm = "dec_final_norm"
	RoleEncoder      = "encoder"
	RoleDecoder      = "decoder"
	RoleCrossK       = "cross_k"
	RoleCrossV       = "cross_v"
)

func schema(md arrow.Metadata) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "role", Type: arrow.BinaryTypes.String},
		{Name: "layer", Type: arrow.PrimitiveTypes.Int32},
		{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{Name: "group_size", Type: arrow.PrimitiveTypes.Int32},
		{Name: "data", Type: arrow.BinaryTypes.Binary},
		{Name: "scales", Type: arrow.BinaryTypes.Binary},
	}, &md)
}

func modelMetadata(m config.Model) arrow.Metadata {
	kv := [][2]string{
		{"vocab_size", strconv.Itoa(m.VocabSize)},
		{"dim_model", strconv.Itoa(m.DimModel)},
		{"dim_ff", strconv.Itoa(m.DimFF)},
		{"dim_kv", strconv.Itoa(m.DimKV)},
		{"heads", strconv.Itoa(m.Heads)},
		{"encoder_layers", strconv.Itoa(m.EncoderLayers)},
		{"decoder_layers", strconv.Itoa(m.DecoderLayers)},
		{"position_buckets", strconv.Itoa(m.PositionBuckets)},
		{"max_distance", strconv.Itoa(m.MaxDistance)},
		{"max_decoder_length", strconv.Itoa(m.MaxDecoderLength)},
		{"start_id", strconv.Itoa(m.StartID)},
		{"eod_id", strconv.Itoa(m.EODID)},
		{"span_id", strconv.Itoa(m.SpanID)},
		{"eps", strconv.FormatFloat(float64(m.Eps), 'g', -1, 32)},
	}
	keys := make([]string, len(kv))
	values := make([]string, len(kv))
	for i, p := range kv {
		keys[i] = p[0]
		values[i] = p[1]
	}
	return arrow.NewMetadata(keys, values)
}

// ParseModelMetadata recovers the architecture from checkpoint schema
// metadata. Flight streams carry the same schema as checkpoint files.
func ParseModelMetadata(md arrow.Metadata) (config.Model, error) {
	var m config.Model
	get := func(key string) (int, error) {
		i := md.FindKey(key)
		if i < 0 {
			return 0, fmt.Errorf("%w: checkpoint metadata missing %q", quant.ErrCorruptWeights, key)
		}
		v, err := strconv.Atoi(md.Values()[i])
		if err != nil {
			return 0, fmt.Errorf("%w: checkpoint metadata %q: %v", quant.ErrCorruptWeights, key, err)
		}
		return v, nil
	}

	var err error
	fields := []struct {
		key string
		dst *int
	}{
		{"vocab_size", &m.VocabSize},
		{"dim_model", &m.DimModel},
		{"dim_ff", &m.DimFF},
		{"dim_kv", &m.DimKV},
		{"heads", &m.Heads},
		{"encoder_layers", &m.EncoderLayers},
		{"decoder_layers", &m.DecoderLayers},
		{"position_buckets", &m.PositionBuckets},
		{"max_distance", &m.MaxDistance},
		{"max_decoder_length", &m.MaxDecoderLength},
		{"start_id", &m.StartID},
		{"eod_id", &m.EODID},
		{"span_id", &m.SpanID},
	}
	for _, f := range fields {
		if *f.dst, err = get(f.key); err != nil {
			return m, err
		}
	}

	i := md.FindKey("eps")
	if i < 0 {
		return m, fmt.Errorf("%w: checkpoint metadata missing %q", quant.ErrCorruptWeights, "eps")
	}
	eps, err := strconv.ParseFloat(md.Values()[i], 32)
	if err != nil {
		return m, fmt.Errorf("%w: checkpoint metadata eps: %v", quant.ErrCorruptWeights, err)
	}
	m.Eps = float32(eps)
	return m, nil
}

type row struct {
	name      string
	role      string
	layer     int
	shape     []int
	groupSize int
	data      []byte
	scales    []byte
}

func appendRow(b *array.RecordBuilder, r row) {
	b.Field(0).(*array.StringBuilder).Append(r.name)
	b.Field(1).(*array.StringBuilder).Append(r.role)
	b.Field(2).(*array.Int32Builder).Append(int32(r.layer))

	lb := b.Field(3).(*array.ListBuilder)
	lb.Append(true)
	vb := lb.ValueBuilder().(*array.Int32Builder)
	for _, d := range r.shape {
		vb.Append(int32(d))
	}

	b.Field(4).(*array.Int32Builder).Append(int32(r.groupSize))
	b.Field(5).(*array.BinaryBuilder).Append(r.data)
	b.Field(6).(*array.BinaryBuilder).Append(r.scales)
}

func tensorRow(t *quant.QuantizedTensor, role string, layer int) row {
	data := make([]byte, len(t.Data))
	for i, v := range t.Data {
		data[i] = byte(v)
	}
	scales := make([]byte, 2*len(t.Scales))
	for i, s := range t.Scales {
		binary.LittleEndian.PutUint16(scales[2*i:], s.Bits())
	}
	return row{
		name:      t.Name,
		role:      role,
		layer:     layer,
		shape:     t.Shape,
		groupSize: t.GroupSize,
		data:      data,
		scales:    scales,
	}
}

// Write serializes a complete store as an Arrow IPC file stream.
func Write(w io.Writer, s *quant.Store) error {
	if err := s.Finalize(); err != nil {
		return err
	}

	sc := schema(modelMetadata(s.Model))
	b := array.NewRecordBuilder(memory.NewGoAllocator(), sc)
	defer b.Release()

	appendRow(b, tensorRow(s.TokenEmbedding, RoleEmbedding, -1))
	if s.LMHead != nil {
		appendRow(b, tensorRow(s.LMHead, RoleLMHead, -1))
	}
	appendRow(b, tensorRow(s.EncoderPosBias, RoleEncPosBias, -1))
	appendRow(b, tensorRow(s.DecoderPosBias, RoleDecPosBias, -1))
	appendRow(b, tensorRow(s.EncoderFinalNorm, RoleEncFinalNorm, -1))
	appendRow(b, tensorRow(s.DecoderFinalNorm, RoleDecFinalNorm, -1))
	for i, lw := range s.Encoder {
		for _, name := range lw.Names() {
			t, _ := lw.Get(name)
			appendRow(b, tensorRow(t, RoleEncoder, i))
		}
	}
	for i, lw := range s.Decoder {
		for _, name := range lw.Names() {
			t, _ := lw.Get(name)
			appendRow(b, tensorRow(t, RoleDecoder, i))
		}
		appendRow(b, tensorRow(s.CrossK[i], RoleCrossK, i))
		appendRow(b, tensorRow(s.CrossV[i], RoleCrossV, i))
	}

	rec := b.NewRecord()
	defer rec.Release()

	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(sc))
	if err != nil {
		return fmt.Errorf("checkpoint writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		fw.Close()
		return fmt.Errorf("checkpoint write: %w", err)
	}
	return fw.Close()
}

// WriteFile writes the store to path, replacing any existing file.
func WriteFile(path string, s *quant.Store) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, s); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Read deserializes a checkpoint into a finalized store.
func Read(r ipc.ReadAtSeeker) (*quant.Store, error) {
	fr, err := ipc.NewFileReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", quant.ErrCorruptWeights, err)
	}
	defer fr.Close()

	model, err := ParseModelMetadata(fr.Schema().Metadata())
	if err != nil {
		return nil, err
	}
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", quant.ErrCorruptWeights, err)
	}

	s := quant.NewStore(model)
	for {
		rec, err := fr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", quant.ErrCorruptWeights, err)
		}
		if err := ReadRecordInto(s, rec); err != nil {
			return nil, err
		}
	}

	if err := s.Finalize(); err != nil {
		return nil, err
	}
	return s, nil
}

// ReadFile loads a checkpoint from disk.
func ReadFile(path string) (*quant.Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// ReadRecordInto places every tensor row of one record batch into the
// store. Callers finalize the store once all batches have arrived.
func ReadRecordInto(s *quant.Store, rec arrow.Record) error {
	names := rec.Column(0).(*array.String)
	roles := rec.Column(1).(*array.String)
	layers := rec.Column(2).(*array.Int32)
	shapes := rec.Column(3).(*array.List)
	shapeValues := shapes.ListValues().(*array.Int32)
	groups := rec.Column(4).(*array.Int32)
	datas := rec.Column(5).(*array.Binary)
	scales := rec.Column(6).(*array.Binary)

	for i := 0; i < int(rec.NumRows()); i++ {
		start, end := shapes.ValueOffsets(i)
		shape := make([]int, 0, end-start)
		for j := start; j < end; j++ {
			shape = append(shape, int(shapeValues.Value(int(j))))
		}

		raw := datas.Value(i)
		data := make([]int8, len(raw))
		for j, b := range raw {
			data[j] = int8(b)
		}
		rawScales := scales.Value(i)
		if len(rawScales)%2 != 0 {
			return fmt.Errorf("%w: tensor %q: odd scale payload", quant.ErrCorruptWeights, names.Value(i))
		}
		sc := make([]float16.Float16, len(rawScales)/2)
		for j := range sc {
			sc[j] = float16.Frombits(binary.LittleEndian.Uint16(rawScales[2*j:]))
		}

		t, err := quant.NewQuantizedTensor(names.Value(i), shape, int(groups.Value(i)), data, sc)
		if err != nil {
			return err
		}
		if err := Place(s, t, roles.Value(i), int(layers.Value(i))); err != nil {
			return err
		}
	}
	return nil
}

// Place routes one tensor into its store position by role and layer.
func Place(s *quant.Store, t *quant.QuantizedTensor, role string, layer int) error {
	stack := func(layers []*quant.LayerWeights) error {
		if layer < 0 || layer >= len(layers) {
			return fmt.Errorf("%w: tensor %q: %s layer %d out of range",
				quant.ErrCorruptWeights, t.Name, role, layer)
		}
		layers[layer].Add(t)
		return nil
	}
	cross := func(dst []*quant.QuantizedTensor) error {
		if layer < 0 || layer >= len(dst) {
			return fmt.Errorf("%w: tensor %q: %s layer %d out of range",
				quant.ErrCorruptWeights, t.Name, role, layer)
		}
		dst[layer] = t
		return nil
	}

	switch role {
	case RoleEmbedding:
		s.TokenEmbedding = t
	case RoleLMHead:
		s.LMHead = t
	case RoleEncPosBias:
		s.EncoderPosBias = t
	case RoleDecPosBias:
		s.DecoderPosBias = t
	case RoleEncFinalNorm:
		s.EncoderFinalNorm = t
	case RoleDecFinalNorm:
		s.DecoderFinalNorm = t
	case RoleEncoder:
		return stack(s.Encoder)
	case RoleDecoder:
		return stack(s.Decoder)
	case RoleCrossK:
		return cross(s.CrossK)
	case RoleCrossV:
		return cross(s.CrossV)
	default:
		return fmt.Errorf("%w: tensor %q: unknown role %q", quant.ErrCorruptWeights, t.Name, role)
	}
	return nil
}

// RawTensor is one unquantized tensor from a float32 checkpoint.
type RawTensor struct {
	Name   string
	Role   string
	Layer  int
	Shape  []int
	Values []float32
}

// WriteRaw serializes float32 tensors in the checkpoint layout, for
// producing quantize tool inputs. Scales are empty and group_size is
// zero.
func WriteRaw(w io.Writer, m config.Model, tensors []RawTensor) error {
	sc := schema(modelMetadata(m))
	b := array.NewRecordBuilder(memory.NewGoAllocator(), sc)
	defer b.Release()

	for _, t := range tensors {
		data := make([]byte, 4*len(t.Values))
		for i, v := range t.Values {
			binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
		}
		appendRow(b, row{
			name:  t.Name,
			role:  t.Role,
			layer: t.Layer,
			shape: t.Shape,
			data:  data,
		})
	}

	rec := b.NewRecord()
	defer rec.Release()

	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(sc))
	if err != nil {
		return fmt.Errorf("raw checkpoint writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		fw.Close()
		return fmt.Errorf("raw checkpoint write: %w", err)
	}
	return fw.Close()
}

// ReadRaw loads a float32 checkpoint written by WriteRaw.
func ReadRaw(r ipc.ReadAtSeeker) (config.Model, []RawTensor, error) {
	fr, err := ipc.NewFileReader(r)
	if err != nil {
		return config.Model{}, nil, fmt.Errorf("%w: %v", quant.ErrCorruptWeights, err)
	}
	defer fr.Close()

	model, err := ParseModelMetadata(fr.Schema().Metadata())
	if err != nil {
		return config.Model{}, nil, err
	}

	var tensors []RawTensor
	for {
		rec, err := fr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return config.Model{}, nil, fmt.Errorf("%w: %v", quant.ErrCorruptWeights, err)
		}

		names := rec.Column(0).(*array.String)
		roles := rec.Column(1).(*array.String)
		layers := rec.Column(2).(*array.Int32)
		shapes := rec.Column(3).(*array.List)
		shapeValues := shapes.ListValues().(*array.Int32)
		datas := rec.Column(5).(*array.Binary)

		for i := 0; i < int(rec.NumRows()); i++ {
			start, end := shapes.ValueOffsets(i)
			shape := make([]int, 0, end-start)
			for j := start; j < end; j++ {
				shape = append(shape, int(shapeValues.Value(int(j))))
			}

			raw := datas.Value(i)
			if len(raw)%4 != 0 {
				return config.Model{}, nil, fmt.Errorf("%w: tensor %q: misaligned float payload",
					quant.ErrCorruptWeights, names.Value(i))
			}
			values := make([]float32, len(raw)/4)
			for j := range values {
				values[j] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*j:]))
			}
			tensors = append(tensors, RawTensor{
				Name:   names.Value(i),
				Role:   roles.Value(i),
				Layer:  int(layers.Value(i)),
				Shape:  shape,
				Values: values,
			})
		}
	}
	return model, tensors, nil
}
