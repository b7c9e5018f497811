package internal_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ringvault/ringvault/internal"
)

func TestMemClr_ZeroesBuffer(t *testing.T) {
	buf := []byte("sensitive bytes!")

	internal.MemClr(buf)

	assert.Equal(t, make([]byte, len(buf)), buf)
}

func TestFillRandom_FillsEntireBuffer(t *testing.T) {
	buf := make([]byte, 32)

	internal.FillRandom(buf)

	assert.NotEqual(t, make([]byte, 32), buf)
}

func TestFillRandom_DistinctAcrossCalls(t *testing.T) {
	a := make([]byte, 32)
	b := make([]byte, 32)

	internal.FillRandom(a)
	internal.FillRandom(b)

	assert.False(t, bytes.Equal(a, b))
}

func TestRandomBytes_ReturnsRequestedLength(t *testing.T) {
	b := internal.RandomBytes(16)

	assert.Len(t, b, 16)
	assert.NotEqual(t, make([]byte, 16), b)
}
