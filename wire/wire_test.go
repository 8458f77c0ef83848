package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	buf := make([]byte, MaxMessageSize)
	for _, size := range []int{0, 1, 13, 512, MaxMessageSize - HeaderSize} {
		payload := bytes.Repeat([]byte{'a'}, size)
		n, err := Encode(buf, payload)
		require.NoError(t, err)
		require.Equal(t, HeaderSize+size, n)

		f, err := Decode(buf[:n])
		require.NoError(t, err)
		require.Nil(t, f.Addr)
		require.Equal(t, payload, f.Payload)
	}
}

func TestRoundTripWithAddr(t *testing.T) {
	addr := []byte("localhost:49153")
	buf := make([]byte, MaxMessageSize)
	n, err := EncodeWithAddr(buf, addr, []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, AddrLenSize+len(addr)+HeaderSize+4, n)

	f, err := DecodeWithAddr(buf)
	require.NoError(t, err, "trailing bytes after the payload are ignored")
	require.Equal(t, addr, f.Addr)
	require.Equal(t, "ping", string(f.Payload))

	max := MaxPayload(addr, true)
	_, err = EncodeWithAddr(buf, addr, make([]byte, max))
	require.NoError(t, err)
	_, err = EncodeWithAddr(buf, addr, make([]byte, max+1))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestLayout(t *testing.T) {
	buf := make([]byte, 32)
	n, err := EncodeWithAddr(buf, []byte("ab"), []byte("xyz"))
	require.NoError(t, err)
	require.Equal(t, []byte{2, 0, 0, 0, 0, 0, 0, 0, 'a', 'b', 3, 0, 'x', 'y', 'z'}, buf[:n])
}

func TestEncodeErrors(t *testing.T) {
	_, err := Encode(make([]byte, 4), []byte("Hello, World!"))
	require.ErrorIs(t, err, ErrShortBuffer)

	_, err = Encode(make([]byte, 2*MaxMessageSize), make([]byte, MaxMessageSize))
	require.ErrorIs(t, err, ErrPayloadTooLarge)

	out, err := Append([]byte("keep"), nil, make([]byte, MaxMessageSize), false)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
	require.Equal(t, "keep", string(out))

	out, err = Append(nil, nil, []byte("hi"), false)
	require.NoError(t, err)
	require.Equal(t, []byte{2, 0, 'h', 'i'}, out)
}

func TestDecodeTruncated(t *testing.T) {
	cases := map[string]struct {
		src      []byte
		withAddr bool
	}{
		"empty":          {nil, false},
		"short header":   {[]byte{1}, false},
		"short payload":  {[]byte{5, 0, 'a'}, false},
		"short addr len": {[]byte{1, 0, 0}, true},
		"addr past end":  {[]byte{9, 0, 0, 0, 0, 0, 0, 0, 'a'}, true},
		"missing header": {[]byte{1, 0, 0, 0, 0, 0, 0, 0, 'a'}, true},
		"huge addr len":  {[]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0, 0}, true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decode(tc.src, tc.withAddr)
			require.ErrorIs(t, err, ErrTruncated)
		})
	}
}
