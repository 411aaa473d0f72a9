package decode

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePayload(t *testing.T, plain []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return []byte(base64.StdEncoding.EncodeToString(buf.Bytes()))
}

func TestDecode_RoundTrip(t *testing.T) {
	const doc = `{"manufacturer":"Google","scanResults":[]}`

	out, err := Decode(encodePayload(t, []byte(doc)))
	require.NoError(t, err)
	assert.Equal(t, doc, out)
}

func TestDecode_TrailingWhitespaceTolerated(t *testing.T) {
	raw := append(encodePayload(t, []byte(`{}`)), '\n', ' ')

	out, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, `{}`, out)
}

func TestDecode_EmptyInput(t *testing.T) {
	for _, raw := range [][]byte{nil, {}, []byte("  \n\t")} {
		_, err := Decode(raw)
		require.Error(t, err)
		assert.Equal(t, KindEmptyInput, KindOf(err))
	}
}

func TestDecode_BadBase64(t *testing.T) {
	_, err := Decode([]byte("not*base64*at*all"))
	require.Error(t, err)
	assert.Equal(t, KindBadBase64, KindOf(err))
}

func TestDecode_ValidBase64BadGzip(t *testing.T) {
	raw := []byte(base64.StdEncoding.EncodeToString([]byte("plain text, no gzip header")))

	_, err := Decode(raw)
	require.Error(t, err)
	assert.Equal(t, KindBadGzip, KindOf(err))
}

func TestDecode_TruncatedGzip(t *testing.T) {
	full := encodePayload(t, []byte(`{"manufacturer":"Google","model":"Pixel 8","device":"shiba"}`))
	compressed, err := base64.StdEncoding.DecodeString(string(full))
	require.NoError(t, err)

	truncated := []byte(base64.StdEncoding.EncodeToString(compressed[:len(compressed)-6]))

	_, err = Decode(truncated)
	require.Error(t, err)
	assert.Equal(t, KindBadGzip, KindOf(err))
}

func TestDecode_InvalidUTF8(t *testing.T) {
	_, err := Decode(encodePayload(t, []byte{0xff, 0xfe, 0xfd}))
	require.Error(t, err)
	assert.Equal(t, KindBadUTF8, KindOf(err))
}

func TestKindOf_ForeignError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(assert.AnError))
}
