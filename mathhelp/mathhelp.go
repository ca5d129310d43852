package mathhelp

import "math"

// MulInt64 multiplies a and b, ok is false when the product overflows.
func MulInt64(a, b int64) (product int64, ok bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	product = a * b
	if product/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, false
	}
	return product, true
}

// FloorPow2 is the largest power of two <= n, 0 for n < 1.
func FloorPow2(n int64) int64 {
	if n < 1 {
		return 0
	}
	p := int64(1)
	for p <= n/2 {
		p <<= 1
	}
	return p
}
