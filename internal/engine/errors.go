package engine

import "errors"

var (
	// ErrConfiguration means invalid sampling parameters; rejected
	// synchronously before any computation starts.
	ErrConfiguration = errors.New("invalid generation configuration")

	// ErrNumericAnomaly means NaN/Inf was detected at a layer boundary.
	// Fails the request; never silently propagated.
	ErrNumericAnomaly = errors.New("numeric anomaly")
)
