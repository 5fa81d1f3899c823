package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"default when empty", "", false},
		{"utf-8", "utf-8", false},
		{"upper case", "UTF-8", false},
		{"latin1 alias", "latin1", false},
		{"windows-1252", "windows-1252", false},
		{"unknown", "klingon-8", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := New(tc.input)
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrUnknownEncoding))
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, c.Name())
		})
	}
}

func TestEncodeUTF8(t *testing.T) {
	c := MustNew("utf-8")

	out, err := c.Encode("int main() { return 0; } // héllo 日本")
	require.NoError(t, err)
	assert.Equal(t, "int main() { return 0; } // héllo 日本", string(out))
}

func TestEncodeInvalidUTF8(t *testing.T) {
	c := MustNew("utf-8")

	_, err := c.Encode("ok\xffbad")
	require.Error(t, err)

	var encErr *EncodeError
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, 2, encErr.Offset)
	assert.Contains(t, err.Error(), "utf-8")
}

func TestEncodeUnrepresentable(t *testing.T) {
	c := MustNew("windows-1252")

	out, err := c.Encode("café")
	require.NoError(t, err)
	assert.Equal(t, []byte{'c', 'a', 'f', 0xe9}, out)

	_, err = c.Encode("日本")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "windows-1252")
}

func TestDecodeUTF8(t *testing.T) {
	c := MustNew("utf-8")

	s, err := c.Decode([]byte("\t.text\n_main:\n"))
	require.NoError(t, err)
	assert.Equal(t, "\t.text\n_main:\n", s)
}

func TestDecodeInvalidUTF8(t *testing.T) {
	c := MustNew("utf-8")

	_, err := c.Decode([]byte{'a', 'b', 'c', 0xff, 'd'})
	require.Error(t, err)

	var decErr *DecodeError
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, 3, decErr.Offset)
	assert.Equal(t, byte(0xff), decErr.Byte)
	assert.Contains(t, err.Error(), "utf-8")
	assert.Contains(t, err.Error(), "0xff")
}

func TestDecodeTruncatedMultibyte(t *testing.T) {
	c := MustNew("utf-8")

	// first two bytes of a three-byte sequence
	_, err := c.Decode([]byte{'x', 0xe6, 0x97})
	require.Error(t, err)
}

func TestDecodeCharmap(t *testing.T) {
	c := MustNew("windows-1252")

	s, err := c.Decode([]byte{'c', 'a', 'f', 0xe9})
	require.NoError(t, err)
	assert.Equal(t, "café", s)
}

func TestDecodeCharmapUnmappedByte(t *testing.T) {
	c := MustNew("windows-1252")

	// 0x81 has no mapping in windows-1252
	_, err := c.Decode([]byte{'a', 0x81, 'b'})
	require.Error(t, err)

	var decErr *DecodeError
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, 1, decErr.Offset)
	assert.Equal(t, byte(0x81), decErr.Byte)
	assert.Contains(t, err.Error(), "windows-1252")
}

func TestDecodeShiftJISTruncatedLeadByte(t *testing.T) {
	c := MustNew("shift_jis")

	_, err := c.Decode([]byte{'a', 0x81})
	require.Error(t, err)

	var decErr *DecodeError
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, 1, decErr.Offset)
	assert.Equal(t, byte(0x81), decErr.Byte)
}

func TestDecodeShiftJISValid(t *testing.T) {
	c := MustNew("shift_jis")

	// "日本" in Shift_JIS
	s, err := c.Decode([]byte{0x93, 0xfa, 0x96, 0x7b})
	require.NoError(t, err)
	assert.Equal(t, "日本", s)
}
