package verify

import "golang.org/x/text/currency"

// normalizeCurrency validates a platform-reported currency code against
// ISO 4217 and returns its canonical form. Unknown or empty codes return
// "", which makes the ledger fall back to the catalog currency.
func normalizeCurrency(code string) string {
	if code == "" {
		return ""
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return ""
	}
	return unit.String()
}
