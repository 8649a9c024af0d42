package entity

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCounty(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"1001", "01001"},
		{"01001", "01001"},
		{" 6037 ", "06037"},
		{`"36061"`, "36061"},
		{"56045", "56045"},
		{"1001.0", "01001"},
	}
	for _, tt := range tests {
		got, err := NormalizeCounty(tt.input)
		require.NoError(t, err, "input: %q", tt.input)
		assert.Equal(t, tt.expected, got, "input: %q", tt.input)
	}
}

func TestNormalizeCounty_Malformed(t *testing.T) {
	for _, in := range []string{"", "abc", "123456", "-1001", "00001"} {
		_, err := NormalizeCounty(in)
		require.Error(t, err, "input: %q", in)
		assert.True(t, eris.Is(err, ErrMalformed), "input: %q", in)
	}
}

func TestNormalizeCounty_OutOfDomain(t *testing.T) {
	for _, in := range []string{"72001", "66010", "06000", "06999"} {
		_, err := NormalizeCounty(in)
		require.Error(t, err, "input: %q", in)
		assert.True(t, eris.Is(err, ErrOutOfDomain), "input: %q", in)
	}
}

func TestNormalizeNUTS3(t *testing.T) {
	got, err := NormalizeNUTS3("de300")
	require.NoError(t, err)
	assert.Equal(t, "DE300", got)

	got, err = NormalizeNUTS3("UKI31")
	require.NoError(t, err)
	assert.Equal(t, "UKI31", got)

	_, err = NormalizeNUTS3("DE30")
	assert.True(t, eris.Is(err, ErrMalformed))

	_, err = NormalizeNUTS3("1E300")
	assert.True(t, eris.Is(err, ErrMalformed))

	_, err = NormalizeNUTS3("FRZZZ")
	assert.True(t, eris.Is(err, ErrOutOfDomain))
}

func TestNormalizeCountry(t *testing.T) {
	got, err := NormalizeCountry(" us")
	require.NoError(t, err)
	assert.Equal(t, "US", got)

	_, err = NormalizeCountry("USA")
	assert.True(t, eris.Is(err, ErrMalformed))
}

func TestNormalizer_Merge(t *testing.T) {
	n := Normalizer{Kind: KindCounty, Merge: NYCBoroughs}

	got, err := n.Normalize("36047")
	require.NoError(t, err)
	assert.Equal(t, "36061", got)

	got, err = n.Normalize("36001")
	require.NoError(t, err)
	assert.Equal(t, "36001", got)

	assert.True(t, n.Merged("36081"))
	assert.False(t, n.Merged("36061"))
	assert.False(t, n.Merged("01001"))
}

func TestNormalizer_UnknownKind(t *testing.T) {
	_, err := Normalizer{Kind: "zip"}.Normalize("12345")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestNormalizer_DefaultsToCounty(t *testing.T) {
	got, err := Normalizer{}.Normalize("1001")
	require.NoError(t, err)
	assert.Equal(t, "01001", got)
}

func TestPrefix(t *testing.T) {
	assert.Equal(t, "06", Prefix("06037", 2))
	assert.Equal(t, "06037", Prefix("06037", 0))
	assert.Equal(t, "06037", Prefix("06037", 9))
}

func TestFormatFIPS(t *testing.T) {
	assert.Equal(t, "06", FormatFIPS(6, 2))
	assert.Equal(t, "06037", FormatFIPS(6037, 5))
}
