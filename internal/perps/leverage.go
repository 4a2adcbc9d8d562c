package perps

import (
	"fmt"
	"math/big"
)

// LeverageFraction is an integer numerator/denominator pair. Leverage is
// never applied through floats: float rounding drifts on financial amounts.
type LeverageFraction struct {
	Num uint64
	Den uint64
}

func (f LeverageFraction) Validate() error {
	if f.Den == 0 {
		return fmt.Errorf("leverage denominator must be > 0")
	}
	if f.Num == 0 {
		return fmt.Errorf("leverage numerator must be > 0")
	}
	if f.Num < f.Den {
		return fmt.Errorf("leverage %d/%d is below 1x", f.Num, f.Den)
	}
	return nil
}

// Apply returns floor(collateral * num / den).
func (f LeverageFraction) Apply(collateral uint64) (uint64, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	return MulDivFloor(collateral, f.Num, f.Den)
}

func MulDivFloor(a, b, denominator uint64) (uint64, error) {
	if denominator == 0 {
		return 0, fmt.Errorf("division by zero")
	}
	left := new(big.Int).SetUint64(a)
	right := new(big.Int).SetUint64(b)
	left.Mul(left, right)
	left.Div(left, new(big.Int).SetUint64(denominator))
	if left.Sign() < 0 || !left.IsUint64() {
		return 0, fmt.Errorf("mulDiv overflow")
	}
	return left.Uint64(), nil
}

// MulDivCeil returns ceil(a*b/denominator). Used for priority-fee budgets
// where rounding down would under-reserve.
func MulDivCeil(a, b, denominator uint64) (uint64, error) {
	if denominator == 0 {
		return 0, fmt.Errorf("division by zero")
	}
	left := new(big.Int).SetUint64(a)
	right := new(big.Int).SetUint64(b)
	left.Mul(left, right)
	den := new(big.Int).SetUint64(denominator)
	left.Add(left, new(big.Int).Sub(den, big.NewInt(1)))
	left.Div(left, den)
	if left.Sign() < 0 || !left.IsUint64() {
		return 0, fmt.Errorf("mulDiv overflow")
	}
	return left.Uint64(), nil
}
