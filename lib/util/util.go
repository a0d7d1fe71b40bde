// Package util contains helper functions used around the code.
package util

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FormatAmount renders an amount with the coin's decimals and symbol, e.g. "0.00150000 LTC".
func FormatAmount(d decimal.Decimal, decimals int, symbol string) string {
	return fmt.Sprintf("%s %s", d.StringFixed(int32(decimals)), symbol)
}

// Truncate shortens addresses and txids for log lines, keeping the first n characters. Short
// strings pass through untouched.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}
