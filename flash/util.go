package flash

import (
	"context"
	"time"

	"golang.org/x/exp/constraints"
)

// checksum will create a STM-compatible XOR-based checksum of the provided data
func checksum(bs []byte) byte {
	var s byte
	for _, b := range bs {
		s ^= b
	}
	return s
}

// ceilDiv returns how many n-sized pieces are needed to hold total
func ceilDiv[T constraints.Integer](total, n T) T {
	if n <= 0 {
		panic("ceilDiv: non-positive divisor")
	}
	return (total + n - 1) / n
}

// clamp will bound v to [lo, hi]
func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// pause suspends for d or until ctx is done. Non-positive durations do not
// suspend.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
