package domain

import (
	"math/big"
	"math/bits"
	"strconv"

	"github.com/shopspring/decimal"
)

// Amount — денежная величина в минимальных единицах (центах). Плавающей точки в ядре нет.
type Amount uint64

func (a Amount) Uint64() uint64 { return uint64(a) }

func (a Amount) IsZero() bool { return a == 0 }

// Add складывает с проверкой переполнения.
func (a Amount) Add(b Amount) (Amount, error) {
	sum, carry := bits.Add64(uint64(a), uint64(b), 0)
	if carry != 0 {
		return 0, NewError(CodeAmountOverflow, "%d + %d overflows", a, b).
			WithDetail("left", uint64(a)).
			WithDetail("right", uint64(b))
	}
	return Amount(sum), nil
}

// Sub вычитает; уход ниже нуля: ошибка, а не заворот.
func (a Amount) Sub(b Amount) (Amount, error) {
	if b > a {
		return 0, NewError(CodeAmountUnderflow, "%d - %d is below zero", a, b).
			WithDetail("left", uint64(a)).
			WithDetail("right", uint64(b))
	}
	return a - b, nil
}

// MulDiv считает floor(a * num / den) без промежуточного переполнения.
func (a Amount) MulDiv(num, den uint64) (Amount, error) {
	if den == 0 {
		return 0, NewError(CodeInvalidAmount, "division by zero")
	}
	hi, lo := bits.Mul64(uint64(a), num)
	if hi >= den {
		return 0, NewError(CodeAmountOverflow, "%d * %d / %d overflows", a, num, den)
	}
	q, _ := bits.Div64(hi, lo, den)
	return Amount(q), nil
}

func (a Amount) String() string { return strconv.FormatUint(uint64(a), 10) }

// Format печатает сумму в старших единицах, например 1050 при decimals=2 -> "10.50".
func (a Amount) Format(decimals int32) string {
	d := decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(a)), -decimals)
	return d.StringFixed(decimals)
}

// SumAmounts складывает с проверкой переполнения на каждом шаге.
func SumAmounts(amounts ...Amount) (Amount, error) {
	var total Amount
	for _, x := range amounts {
		var err error
		if total, err = total.Add(x); err != nil {
			return 0, err
		}
	}
	return total, nil
}
