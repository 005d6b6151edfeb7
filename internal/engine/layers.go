package engine

import (
	"fmt"

	"github.com/23skdu/longbow-infill/internal/device"
	"github.com/23skdu/longbow-infill/internal/metrics"
	"github.com/23skdu/longbow-infill/internal/quant"
)

// dequantVector expands a small packed vector (norm weights) to float32.
func dequantVector(t *quant.PackedTensor) []float32 {
	out := make([]float32, len(t.Data))
	for i := range t.Data {
		out[i] = float32(int8(t.Data[i])) * t.Scales[i/t.GroupSize]
	}
	return out
}

// embedToken writes the embedding row for one token id into dst.
func (e *Engine) embedToken(dst []float32, id int) {
	dim := e.Model.DimModel
	base := id * dim
	for j := 0; j < dim; j++ {
		flat := base + j
		dst[j] = float32(int8(e.embedding.Data[flat])) * e.embedding.Scales[flat/e.embedding.GroupSize]
	}
}

// attend computes one head-split attention pass for a single query
// position: scores against n memory positions, optional bias hook,
// softmax, weighted value sum. q is [heads*dim_kv]; keys/values are
// [n, heads*dim_kv]; out accumulates [heads*dim_kv].
func (e *Engine) attend(out, q, keys, values []float32, n int, bias func(h, mi int) float32) {
	heads := e.Model.Heads
	dkv := e.Model.DimKV
	width := heads * dkv

	scores := make([]float32, n)
	for h := 0; h < heads; h++ {
		qh := q[h*dkv : (h+1)*dkv]
		for j := 0; j < n; j++ {
			kh := keys[j*width+h*dkv : j*width+(h+1)*dkv]
			dot := float32(0)
			for d := 0; d < dkv; d++ {
				dot += qh[d] * kh[d]
			}
			if bias != nil {
				dot += bias(h, j)
			}
			scores[j] = dot
		}
		device.Softmax(scores)
		oh := out[h*dkv : (h+1)*dkv]
		for d := range oh {
			oh[d] = 0
		}
		for j := 0; j < n; j++ {
			w := scores[j]
			vh := values[j*width+h*dkv : j*width+(h+1)*dkv]
			for d := 0; d < dkv; d++ {
				oh[d] += w * vh[d]
			}
		}
	}
}

// encoderLayer runs one encoder block over the full input in place:
// pre-norm self-attention with bidirectional position bias, residual,
// pre-norm feed-forward, residual.
func (e *Engine) encoderLayer(hidden []float32, n int, view *quant.PackedView) error {
	dim := e.Model.DimModel
	inner := e.Model.Heads * e.Model.DimKV

	attnNorm, err := view.Tensor(quant.TensorAttnNorm)
	if err != nil {
		return err
	}
	wq, err := view.Tensor(quant.TensorAttnQ)
	if err != nil {
		return err
	}
	wk, err := view.Tensor(quant.TensorAttnK)
	if err != nil {
		return err
	}
	wv, err := view.Tensor(quant.TensorAttnV)
	if err != nil {
		return err
	}
	wo, err := view.Tensor(quant.TensorAttnOut)
	if err != nil {
		return err
	}

	normed := make([]float32, n*dim)
	device.LayerNorm(normed, hidden, dequantVector(attnNorm), e.Model.Eps)

	q := make([]float32, n*inner)
	k := make([]float32, n*inner)
	v := make([]float32, n*inner)
	e.ctx.LinearQuantBatch(q, normed, n, wq)
	e.ctx.LinearQuantBatch(k, normed, n, wk)
	e.ctx.LinearQuantBatch(v, normed, n, wv)

	attnOut := make([]float32, n*inner)
	for i := 0; i < n; i++ {
		qi := i
		e.attend(attnOut[i*inner:(i+1)*inner], q[i*inner:(i+1)*inner], k, v, n,
			func(h, mi int) float32 {
				return e.posBias(e.encPosBias, h, qi, mi, true)
			})
	}

	proj := make([]float32, n*dim)
	e.ctx.LinearQuantBatch(proj, attnOut, n, wo)
	device.AddResidual(hidden, proj)

	return e.feedForward(hidden, n, view)
}

// feedForward is the shared pre-norm MLP tail: norm, expand, ReLU,
// contract, residual.
func (e *Engine) feedForward(hidden []float32, n int, view *quant.PackedView) error {
	dim := e.Model.DimModel
	dimFF := e.Model.DimFF

	ffnNorm, err := view.Tensor(quant.TensorFFNNorm)
	if err != nil {
		return err
	}
	win, err := view.Tensor(quant.TensorFFNIn)
	if err != nil {
		return err
	}
	wout, err := view.Tensor(quant.TensorFFNOut)
	if err != nil {
		return err
	}

	normed := make([]float32, n*dim)
	device.LayerNorm(normed, hidden, dequantVector(ffnNorm), e.Model.Eps)

	inter := make([]float32, n*dimFF)
	e.ctx.LinearQuantBatch(inter, normed, n, win)
	device.ReLU(inter)

	out := make([]float32, n*dim)
	e.ctx.LinearQuantBatch(out, inter, n, wout)
	device.AddResidual(hidden, out)
	return nil
}

// decoderLayer advances one decoder block for a single step token x at
// position pos: causal self-attention through the past-KV cache,
// cross-attention against the precomputed encoder K/V, feed-forward.
func (e *Engine) decoderLayer(x []float32, ictx *InferenceContext, view *quant.PackedView, layer, pos int) error {
	dim := e.Model.DimModel
	inner := e.Model.Heads * e.Model.DimKV

	// Self-attention against everything decoded so far.
	attnNorm, err := view.Tensor(quant.TensorAttnNorm)
	if err != nil {
		return err
	}
	wq, err := view.Tensor(quant.TensorAttnQ)
	if err != nil {
		return err
	}
	wk, err := view.Tensor(quant.TensorAttnK)
	if err != nil {
		return err
	}
	wv, err := view.Tensor(quant.TensorAttnV)
	if err != nil {
		return err
	}
	wo, err := view.Tensor(quant.TensorAttnOut)
	if err != nil {
		return err
	}

	normed := make([]float32, dim)
	device.LayerNorm(normed, x, dequantVector(attnNorm), e.Model.Eps)

	q := make([]float32, inner)
	k := make([]float32, inner)
	v := make([]float32, inner)
	e.ctx.LinearQuant(q, normed, wq)
	e.ctx.LinearQuant(k, normed, wk)
	e.ctx.LinearQuant(v, normed, wv)

	if err := ictx.Past.Update(layer, pos, k, v); err != nil {
		return err
	}

	// The causal mask is structural: keys exist only for positions
	// <= pos, so attention cannot see the future.
	attnOut := make([]float32, inner)
	e.attend(attnOut, q, ictx.Past.Keys(layer, pos+1), ictx.Past.Values(layer, pos+1), pos+1,
		func(h, mi int) float32 {
			return e.posBias(e.decPosBias, h, pos, mi, false)
		})

	proj := make([]float32, dim)
	e.ctx.LinearQuant(proj, attnOut, wo)
	device.AddResidual(x, proj)

	// Cross-attention over the full encoder context, no position bias.
	crossNorm, err := view.Tensor(quant.TensorCrossNorm)
	if err != nil {
		return err
	}
	wcq, err := view.Tensor(quant.TensorCrossQ)
	if err != nil {
		return err
	}
	wco, err := view.Tensor(quant.TensorCrossOut)
	if err != nil {
		return err
	}

	device.LayerNorm(normed, x, dequantVector(crossNorm), e.Model.Eps)
	cq := make([]float32, inner)
	e.ctx.LinearQuant(cq, normed, wcq)

	crossOut := make([]float32, inner)
	e.attend(crossOut, cq, ictx.CrossK[layer], ictx.CrossV[layer], ictx.InputLength, nil)

	cproj := make([]float32, dim)
	e.ctx.LinearQuant(cproj, crossOut, wco)
	device.AddResidual(x, cproj)

	return e.feedForward(x, 1, view)
}

// checkNumerics is the layer-boundary diagnostic; active only when
// DebugNumerics is set.
func (e *Engine) checkNumerics(stack string, layer int, data []float32) error {
	if !e.debugNumerics {
		return nil
	}
	nan, inf := device.CheckNumericalStability(data)
	if nan > 0 || inf > 0 {
		metrics.RecordNumericAnomaly(stack, nan, inf)
		return fmt.Errorf("%w: %s layer %d produced %d NaN, %d Inf",
			ErrNumericAnomaly, stack, layer, nan, inf)
	}
	return nil
}
