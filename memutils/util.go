package memutils

import (
	"github.com/JohnCGriffin/overflow"
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

// CheckPow2 returns a PowerOfTwoError wrapped with the provided name if number is zero or is not a
// power of two
func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// AlignUpChecked behaves like AlignUp, but returns false instead of a wrapped value when aligning
// value would overflow an int
func AlignUpChecked(value int, alignment uint) (int, bool) {
	padded, ok := overflow.Add(value, int(alignment)-1)
	if !ok {
		return 0, false
	}
	return padded & int(^(alignment - 1)), true
}

// AddChecked returns the sum of a and b, and false if the sum overflows an int
func AddChecked(a, b int) (int, bool) {
	return overflow.Add(a, b)
}

// MulChecked returns the product of a and b, and false if the product overflows an int
func MulChecked(a, b int) (int, bool) {
	return overflow.Mul(a, b)
}
