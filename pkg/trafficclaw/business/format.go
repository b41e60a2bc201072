package business

import (
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// FormatBRL renders an amount as Brazilian reais, e.g. "R$ 1.234,50".
func FormatBRL(d decimal.Decimal) string {
	neg := d.IsNegative()
	s := d.Abs().StringFixed(2)
	intPart, frac, _ := strings.Cut(s, ".")

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}

	out := "R$ " + b.String() + "," + frac
	if neg {
		out = "-" + out
	}
	return out
}

// FormatDate renders a date as DD/MM/AAAA.
func FormatDate(t time.Time) string {
	return t.Format("02/01/2006")
}

// FormatTime renders a clock time as HH:MM.
func FormatTime(t time.Time) string {
	return t.Format("15:04")
}

// NormalizePhone keeps only digits. Brazilian numbers without country code
// get the 55 prefix.
func NormalizePhone(phone string) string {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, phone)
	if len(digits) == 10 || len(digits) == 11 {
		digits = "55" + digits
	}
	return digits
}

// DaysBetween counts whole calendar days from a to b in b's location.
func DaysBetween(a, b time.Time) int {
	a = a.In(b.Location())
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, b.Location())
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, b.Location())
	return int(db.Sub(da).Round(24*time.Hour) / (24 * time.Hour))
}
