package digest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderKnownVectors(t *testing.T) {
	tests := []struct {
		alg  Algorithm
		want string
	}{
		{MD5, "5eb63bbbe01eeed093cb22bb8f5acdc3"},
		{"", "5eb63bbbe01eeed093cb22bb8f5acdc3"},
		{SHA256, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"},
	}
	for _, tt := range tests {
		t.Run(string(tt.alg), func(t *testing.T) {
			sum, n, err := Reader(tt.alg, strings.NewReader("hello world"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, sum)
			assert.EqualValues(t, 11, n)
		})
	}
}

func TestBlake3Length(t *testing.T) {
	sum, _, err := Reader(BLAKE3, strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.Len(t, sum, 64)
}

func TestUnknownAlgorithm(t *testing.T) {
	_, err := New("crc32")
	assert.Error(t, err)
}
