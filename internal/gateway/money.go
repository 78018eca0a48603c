package gateway

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ToMinor переводит сумму в минимальные единицы (кобо). Сумма должна иметь не больше двух знаков после запятой.
func ToMinor(amount decimal.Decimal) (int64, error) {
	minor := amount.Shift(2)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than two decimal places", amount)
	}
	return minor.IntPart(), nil
}

// FromMinor переводит сумму из минимальных единиц в основные.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
