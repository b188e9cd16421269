package channel

import (
	"strings"

	"github.com/driplinehq/dripline/internal/errs"
)

// NormalizePhone reduces a recipient phone number to bare digits suitable
// for the chat transport. Accepts an optional leading +, separators and
// parentheses. Returns InvalidAddressError for anything that does not
// look like an international number afterwards.
func NormalizePhone(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "+")

	var b strings.Builder
	for _, r := range trimmed {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// separator, drop
		default:
			return "", &errs.InvalidAddressError{Address: raw}
		}
	}

	digits := b.String()
	if len(digits) < 8 || len(digits) > 15 {
		return "", &errs.InvalidAddressError{Address: raw}
	}
	return digits, nil
}
