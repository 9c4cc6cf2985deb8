package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", HashString(""))
	assert.Len(t, HashString("atlas"), 64)
}

func TestFingerprintStableAcrossMapOrder(t *testing.T) {
	a, err := Fingerprint(map[string]int{"b": 2, "a": 1, "c": 3})
	require.NoError(t, err)
	b, err := Fingerprint(map[string]int{"c": 3, "a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Fingerprint(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	_, err = Fingerprint(func() {})
	assert.Error(t, err)
}
