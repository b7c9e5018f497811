package nativemem_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringvault/ringvault/securemem"
	_ "github.com/ringvault/ringvault/securemem/nativemem"
)

func newFactory(t *testing.T) securemem.Factory {
	t.Helper()

	f, err := securemem.NewFactory(securemem.EngineNative)
	require.NoError(t, err)

	return f
}

func TestFactory_New_WipesInputAndExposesCopy(t *testing.T) {
	f := newFactory(t)

	input := []byte("0123456789abcdef")
	original := append([]byte(nil), input...)

	secret, err := f.New(input)
	require.NoError(t, err)
	defer secret.Close()

	assert.NotEqual(t, original, input, "New must wipe the caller's slice")

	err = secret.WithBytes(func(b []byte) error {
		assert.Equal(t, original, b)
		return nil
	})
	require.NoError(t, err)
}

func TestFactory_CreateRandom_ReturnsRequestedSize(t *testing.T) {
	f := newFactory(t)

	secret, err := f.CreateRandom(32)
	require.NoError(t, err)
	defer secret.Close()

	err = secret.WithBytes(func(b []byte) error {
		assert.Len(t, b, 32)
		return nil
	})
	require.NoError(t, err)
}

func TestSecret_Close_BlocksAccessAfterward(t *testing.T) {
	f := newFactory(t)

	secret, err := f.New([]byte("0123456789abcdef"))
	require.NoError(t, err)

	assert.False(t, secret.IsClosed())
	require.NoError(t, secret.Close())
	assert.True(t, secret.IsClosed())

	err = secret.WithBytes(func([]byte) error { return nil })
	assert.ErrorIs(t, err, securemem.ErrAlreadyClosed)
}

func TestSecret_Close_Idempotent(t *testing.T) {
	f := newFactory(t)

	secret, err := f.New([]byte("0123456789abcdef"))
	require.NoError(t, err)

	require.NoError(t, secret.Close())
	require.NoError(t, secret.Close())
}

func TestSecret_NewReader_StreamsBytes(t *testing.T) {
	f := newFactory(t)

	secret, err := f.New([]byte("0123456789abcdef"))
	require.NoError(t, err)
	defer secret.Close()

	buf := make([]byte, 16)
	n, err := secret.NewReader().Read(buf)
	assert.True(t, err == nil || err == io.EOF)
	assert.Equal(t, 16, n)
	assert.Equal(t, []byte("0123456789abcdef"), buf)
}

func TestFactory_New_RejectsEmptyInput(t *testing.T) {
	f := newFactory(t)

	_, err := f.New(nil)
	assert.Error(t, err)
}
