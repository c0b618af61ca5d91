package app

import "math"

// checkedAdd returns a+b, or overflowErr if the sum leaves the int64 range.
func checkedAdd(a, b int64, overflowErr error) (int64, error) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, overflowErr
	}
	if b < 0 && a < math.MinInt64-b {
		return 0, overflowErr
	}
	return a + b, nil
}

// checkedSub returns a-b with the same overflow discipline.
func checkedSub(a, b int64, overflowErr error) (int64, error) {
	if b < 0 && a > math.MaxInt64+b {
		return 0, overflowErr
	}
	if b > 0 && a < math.MinInt64+b {
		return 0, overflowErr
	}
	return a - b, nil
}

// checkedMul returns a*b, or overflowErr when the product is not
// representable.
func checkedMul(a, b int64, overflowErr error) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	product := a * b
	if product/b != a {
		return 0, overflowErr
	}
	return product, nil
}

// spendingAmount computes a recipient's slice of a spending proposal:
// floor(amount * percentage / 100). Remainders truncate toward zero and stay
// in the vault.
func spendingAmount(amount int64, percentage int32) (int64, error) {
	scaled, err := checkedMul(amount, int64(percentage), ErrMathOverflow)
	if err != nil {
		return 0, err
	}
	return scaled / 100, nil
}
