// Package validation содержит функции валидации входных данных.
package validation

import "github.com/shopspring/decimal"

var nubanWeights = [12]int{3, 7, 3, 3, 7, 3, 3, 7, 3, 3, 7, 3}

// IsValidAccountNumber проверяет номер счёта NUBAN: ровно десять цифр, а для
// трёхзначного кода банка ещё и контрольную цифру по алгоритму ЦБ Нигерии.
// Коды микрофинансовых банков длиннее трёх цифр проверяются только по формату.
func IsValidAccountNumber(bankCode, account string) bool {
	if len(account) != 10 || !digitsOnly(account) {
		return false
	}
	if bankCode == "" || !digitsOnly(bankCode) {
		return false
	}
	if len(bankCode) != 3 {
		return true
	}

	serial := bankCode + account[:9]
	sum := 0
	for i := 0; i < len(serial); i++ {
		sum += int(serial[i]-'0') * nubanWeights[i]
	}

	check := (10 - sum%10) % 10
	return check == int(account[9]-'0')
}

// IsValidAmount проверяет, что сумма положительна и не имеет больше двух знаков после запятой.
func IsValidAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() && amount.Equal(amount.Round(2))
}

// digitsOnly допускает только ASCII-цифры: контрольная сумма считается по байтам.
func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
