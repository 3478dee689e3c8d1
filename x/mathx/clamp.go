package mathx

import "golang.org/x/exp/constraints"

// Clamp limits v to [lo, hi]. If lo > hi, the bounds are swapped.
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if hi < lo {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Between reports lo <= v && v <= hi (order-insensitive).
func Between[T constraints.Ordered](v, lo, hi T) bool {
	if hi < lo {
		lo, hi = hi, lo
	}
	return v >= lo && v <= hi
}

// OrDefault returns def when v is not strictly positive.
func OrDefault[T constraints.Integer | constraints.Float](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

// Lerp maps x in [x0,x1] onto [y0,y1], clamping outside the input range.
func Lerp[T constraints.Float](x, x0, x1, y0, y1 T) T {
	if x1 == x0 {
		return y0
	}
	if x <= x0 {
		return y0
	}
	if x >= x1 {
		return y1
	}
	return y0 + (x-x0)*(y1-y0)/(x1-x0)
}
