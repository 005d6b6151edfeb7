package device

import (
	"math"

	"github.com/23skdu/longbow-infill/internal/quant"
)

// LinearQuant computes dst = x * W^T for a quantized weight matrix W of
// shape [rows, cols], consuming int8 values straight from the packed
// view. Dequantization is fused into the accumulation: each group's
// integer-weighted partial sum is scaled once, never materializing the
// full-precision matrix.
func (c *Context) LinearQuant(dst, x []float32, w *quant.PackedTensor) {
	rows := w.Rows()
	cols := w.Cols()
	group := w.GroupSize

	c.parallelFor(rows, func(start, end int) {
		for r := start; r < end; r++ {
			base := r * cols
			acc := float32(0)
			for g0 := 0; g0 < cols; {
				flat := base + g0
				gIdx := flat / group
				// group boundary within this row
				gEnd := (gIdx + 1) * group
				limit := gEnd - base
				if limit > cols {
					limit = cols
				}
				partial := float32(0)
				for cI := g0; cI < limit; cI++ {
					partial += x[cI] * float32(int8(w.Data[base+cI]))
				}
				acc += partial * w.Scales[gIdx]
				g0 = limit
			}
			dst[r] = acc
		}
	})
}

// LinearQuantBatch applies LinearQuant to each row of X ([n, cols]),
// writing [n, rows] into dst.
func (c *Context) LinearQuantBatch(dst, x []float32, n int, w *quant.PackedTensor) {
	rows := w.Rows()
	cols := w.Cols()
	for i := 0; i < n; i++ {
		c.LinearQuant(dst[i*rows:(i+1)*rows], x[i*cols:(i+1)*cols], w)
	}
}

// LayerNorm applies the root-mean-square norm used throughout the
// model: no mean subtraction, no bias, scale by the norm weight.
func LayerNorm(dst, x, weight []float32, eps float32) {
	dim := len(weight)
	for i := 0; i < len(x)/dim; i++ {
		row := x[i*dim : (i+1)*dim]
		out := dst[i*dim : (i+1)*dim]

		sumSq := float32(0)
		for _, v := range row {
			sumSq += v * v
		}
		inv := float32(1.0 / math.Sqrt(float64(sumSq/float32(dim))+float64(eps)))
		for j, v := range row {
			out[j] = v * inv * weight[j]
		}
	}
}

// Softmax normalizes x in place with the usual max-subtraction guard.
func Softmax(x []float32) {
	maxVal := x[0]
	for _, v := range x {
		if v > maxVal {
			maxVal = v
		}
	}
	sum := float32(0)
	for i, v := range x {
		e := float32(math.Exp(float64(v - maxVal)))
		x[i] = e
		sum += e
	}
	if sum == 0 {
		return
	}
	for i := range x {
		x[i] /= sum
	}
}

// AddResidual accumulates src into dst element-wise.
func AddResidual(dst, src []float32) {
	for i, v := range src {
		dst[i] += v
	}
}

// ReLU clamps negatives in place.
func ReLU(x []float32) {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
}
