package qr

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerify(t *testing.T) {
	s := NewSigner("test-secret", 128)

	code, err := s.Generate("7c1e0b44-6c53-4bde-9a0f-2a5a3b1f9e01")
	require.NoError(t, err)
	assert.Equal(t, 3, len(strings.Split(code, ".")))

	id, err := s.Verify(code)
	require.NoError(t, err)
	assert.Equal(t, "7c1e0b44-6c53-4bde-9a0f-2a5a3b1f9e01", id)
}

func TestGenerateIsUnique(t *testing.T) {
	s := NewSigner("test-secret", 0)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := s.Generate("ticket-1")
		require.NoError(t, err)
		assert.False(t, seen[code], "duplicate code")
		seen[code] = true
	}
}

func TestVerifyRejectsForgeries(t *testing.T) {
	s := NewSigner("test-secret", 0)
	code, err := s.Generate("ticket-1")
	require.NoError(t, err)
	parts := strings.Split(code, ".")

	cases := map[string]string{
		"empty":          "",
		"two parts":      parts[0] + "." + parts[1],
		"swapped ticket": "ticket-2." + parts[1] + "." + parts[2],
		"bad base64":     parts[0] + "." + parts[1] + ".***",
		"truncated sig":  parts[0] + "." + parts[1] + "." + parts[2][:10],
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := s.Verify(c)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}

	other := NewSigner("other-secret", 0)
	_, err = other.Verify(code)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestGenerateRejectsBadIDs(t *testing.T) {
	s := NewSigner("x", 0)
	_, err := s.Generate("")
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = s.Generate("a.b")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestRenderProducesPNG(t *testing.T) {
	s := NewSigner("x", 128)
	code, err := s.Generate("ticket-1")
	require.NoError(t, err)

	png, err := s.Render(code)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG\r\n\x1a\n")))
}
