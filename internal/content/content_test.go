package content

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_Valid(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"hello", "hello"},
		{"  padded\t\n", "padded"},
		{"line one\r\nline two", "line one\nline two"},
		{"para\n\n\n\n\nnext", "para\n\nnext"},
		{"para\n  \n \n\nnext", "para\n\nnext"},
		{"tab\tinside", "tab\tinside"},
		{"émoji 🚀", "émoji 🚀"},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if assert.NoError(t, err, "Normalize(%q)", tt.in) {
			assert.Equal(t, tt.want, got, "Normalize(%q)", tt.in)
		}
	}
}

func TestNormalize_Empty(t *testing.T) {
	for _, in := range []string{"", "   ", "\n\n\t"} {
		_, err := Normalize(in)
		assert.ErrorIs(t, err, ErrEmpty, "Normalize(%q)", in)
	}
}

func TestNormalize_LengthCountsRunes(t *testing.T) {
	exact := strings.Repeat("é", MaxLength)
	_, err := Normalize(exact)
	require.NoError(t, err, "%d runes should be accepted", MaxLength)

	_, err = Normalize(exact + "x")
	assert.ErrorIs(t, err, ErrTooLong)
}

func TestNormalize_TrimmedBeforeLengthCheck(t *testing.T) {
	in := "   " + strings.Repeat("a", MaxLength) + "   "
	_, err := Normalize(in)
	assert.NoError(t, err, "surrounding whitespace should not count")
}

func TestNormalize_InvalidText(t *testing.T) {
	for _, in := range []string{"bell\x07", "nul\x00byte", string([]byte{0xff, 0xfe})} {
		_, err := Normalize(in)
		assert.ErrorIs(t, err, ErrInvalidText, "Normalize(%q)", in)
	}
}
