package device

import (
	"math"
)

// CheckNumericalStability counts NaN and Inf values in an activation
// buffer. Used as the layer-boundary diagnostic in debug mode.
func CheckNumericalStability(data []float32) (nanCount, infCount int) {
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			nanCount++
		}
		if math.IsInf(float64(v), 0) {
			infCount++
		}
	}
	return
}

// IsFinite reports whether the buffer is free of NaN and Inf.
func IsFinite(data []float32) bool {
	nan, inf := CheckNumericalStability(data)
	return nan == 0 && inf == 0
}
