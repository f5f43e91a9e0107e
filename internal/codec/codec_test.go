package codec

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   []float64
	}{
		{"single", []float64{1.5}},
		{"mixed", []float64{0, -1, 3.14159, 1e-300, -2.5e300}},
		{"infinities", []float64{math.Inf(1), math.Inf(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(Encode(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.in, got)
		})
	}
}

func TestRoundTripNaNBits(t *testing.T) {
	nan := math.Float64frombits(0x7ff8000000000001)
	got, err := Decode(Encode([]float64{nan}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(0x7ff8000000000001), math.Float64bits(got[0]))
}

func TestEmpty(t *testing.T) {
	assert.Equal(t, "", Encode(nil))
	got, err := Decode("")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBigEndianLayout(t *testing.T) {
	// 1.0 is 0x3FF0000000000000; big-endian puts 0x3F first.
	assert.Equal(t, "P/AAAAAAAAA=", Encode([]float64{1.0}))
}

func TestDecodeMalformed(t *testing.T) {
	for _, in := range []string{"!!not base64!!", "AAAA"} {
		_, err := Decode(in)
		if !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("Decode(%q) error = %v, want ErrMalformedPayload", in, err)
		}
	}
}

func TestDecodeField(t *testing.T) {
	params := map[string]any{
		"x":     Encode([]float64{1, 2}),
		"empty": "",
		"bad":   42,
	}

	x, err := DecodeField(params, "x")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, x)

	missing, err := DecodeField(params, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)

	empty, err := DecodeField(params, "empty")
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = DecodeField(params, "bad")
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
