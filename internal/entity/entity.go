// Package entity normalizes spatial identifiers (county FIPS, NUTS3, ISO
// country) to their canonical fixed-width form.
package entity

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Kind selects the identifier scheme.
type Kind string

// Identifier schemes.
const (
	KindCounty  Kind = "county"
	KindNUTS3   Kind = "nuts3"
	KindCountry Kind = "country"
)

var (
	// ErrMalformed marks an identifier that cannot be parsed for its scheme.
	ErrMalformed = eris.New("entity: malformed identifier")
	// ErrOutOfDomain marks a well-formed identifier outside the valid range
	// (territories, state-level or unknown-county codes).
	ErrOutOfDomain = eris.New("entity: identifier out of domain")
)

// maxStateFIPS is the highest domestic state code (Wyoming). Codes above it
// are territories (AS, GU, MP, PR, VI) and are discarded.
const maxStateFIPS = 56

// NYCBoroughs maps the five New York City borough counties onto the single
// reporting county used by case feeds that report the city as one unit.
var NYCBoroughs = map[string]string{
	"36005": "36061", // Bronx
	"36047": "36061", // Kings
	"36061": "36061", // New York
	"36081": "36061", // Queens
	"36085": "36061", // Richmond
}

// Normalizer turns raw identifiers into canonical IDs.
type Normalizer struct {
	Kind Kind
	// Merge optionally maps canonical IDs onto a reporting ID.
	Merge map[string]string
}

// Normalize returns the canonical form of raw. The error wraps ErrMalformed
// or ErrOutOfDomain.
func (n Normalizer) Normalize(raw string) (string, error) {
	var (
		id  string
		err error
	)
	switch n.Kind {
	case KindCounty, "":
		id, err = NormalizeCounty(raw)
	case KindNUTS3:
		id, err = NormalizeNUTS3(raw)
	case KindCountry:
		id, err = NormalizeCountry(raw)
	default:
		return "", eris.Errorf("entity: unknown kind %q", n.Kind)
	}
	if err != nil {
		return "", err
	}
	if to, ok := n.Merge[id]; ok {
		return to, nil
	}
	return id, nil
}

// Merged reports whether id is folded into another reporting ID.
func (n Normalizer) Merged(id string) bool {
	to, ok := n.Merge[id]
	return ok && to != id
}

// NormalizeCounty zero-pads a county FIPS code to 5 digits and validates the
// state and county parts.
func NormalizeCounty(raw string) (string, error) {
	s := trim(raw)
	// Some exports write the code as a float ("1001.0").
	s = strings.TrimSuffix(s, ".0")
	if s == "" || len(s) > 5 {
		return "", eris.Wrapf(ErrMalformed, "county %q", raw)
	}
	code, err := strconv.Atoi(s)
	if err != nil || code < 0 {
		return "", eris.Wrapf(ErrMalformed, "county %q", raw)
	}
	id := FormatFIPS(code, 5)

	state := code / 1000
	county := code % 1000
	if state == 0 {
		return "", eris.Wrapf(ErrMalformed, "county %q: state 00", raw)
	}
	if state > maxStateFIPS || county == 0 || county >= 900 {
		return "", eris.Wrapf(ErrOutOfDomain, "county %s", id)
	}
	return id, nil
}

// NormalizeNUTS3 upper-cases a NUTS3 code and checks its shape: two-letter
// country prefix followed by three alphanumerics.
func NormalizeNUTS3(raw string) (string, error) {
	s := strings.ToUpper(trim(raw))
	if len(s) != 5 || !isLetter(s[0]) || !isLetter(s[1]) {
		return "", eris.Wrapf(ErrMalformed, "nuts3 %q", raw)
	}
	for i := 2; i < 5; i++ {
		if !isLetter(s[i]) && !isDigit(s[i]) {
			return "", eris.Wrapf(ErrMalformed, "nuts3 %q", raw)
		}
	}
	// "ZZ" regions are extra-regio placeholders.
	if strings.HasSuffix(s, "ZZZ") {
		return "", eris.Wrapf(ErrOutOfDomain, "nuts3 %s", s)
	}
	return s, nil
}

// NormalizeCountry upper-cases an ISO-3166 alpha-2 code.
func NormalizeCountry(raw string) (string, error) {
	s := strings.ToUpper(trim(raw))
	if len(s) != 2 || !isLetter(s[0]) || !isLetter(s[1]) {
		return "", eris.Wrapf(ErrMalformed, "country %q", raw)
	}
	return s, nil
}

// FormatFIPS formats a numeric FIPS code with proper zero-padding.
func FormatFIPS(code int, digits int) string {
	return fmt.Sprintf("%0*d", digits, code)
}

// Prefix returns the first n characters of id, or id itself when shorter.
// For county FIPS, Prefix(id, 2) is the state code.
func Prefix(id string, n int) string {
	if n <= 0 || n >= len(id) {
		return id
	}
	return id[:n]
}

func trim(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"`)
}

func isLetter(b byte) bool { return b >= 'A' && b <= 'Z' }
func isDigit(b byte) bool  { return b >= '0' && b <= '9' }
