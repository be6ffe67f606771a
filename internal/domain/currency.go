package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/currency"
)

// ErrInvalidCurrency is returned for codes that are not ISO 4217.
var ErrInvalidCurrency = errors.New("invalid ISO 4217 currency code")

// ErrInvalidSnapshotID is returned for identifiers that are not a six-digit
// YYYYMM period.
var ErrInvalidSnapshotID = errors.New("snapshot id must be a YYYYMM period")

var snapshotIDRE = regexp.MustCompile(`^[0-9]{4}(0[1-9]|1[0-2])$`)

// SnapshotIDFor derives the YYYYMM snapshot id of the UTC calendar month
// containing t.
func SnapshotIDFor(t time.Time) string {
	return t.UTC().Format("200601")
}

// ValidateSnapshotID checks that id is a YYYYMM period.
func ValidateSnapshotID(id string) error {
	if !snapshotIDRE.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSnapshotID, id)
	}
	return nil
}

// NormalizeCurrencies trims and upper-cases codes, drops blanks and
// duplicates (keeping first-seen order) and validates each against ISO 4217.
func NormalizeCurrencies(codes []string) ([]string, error) {
	out := make([]string, 0, len(codes))
	seen := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		if len(c) != 3 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCurrency, c)
		}
		if _, err := currency.ParseISO(c); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCurrency, c)
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out, nil
}
