// ============================================================================
// compile-asm Codec - text encoding boundary
// ============================================================================
//
// Package: internal/codec
// File: codec.go
// Purpose: Converts the in-memory source text into the byte stream piped to
//          the compiler and decodes compiler output back into text.
//
// Encodings:
//   Resolved by IANA name through golang.org/x/text (utf-8, windows-1252,
//   iso-8859-1, shift_jis, ...). Decoding is strict for every encoding:
//   invalid byte sequences are reported instead of being replaced with
//   U+FFFD, so the user sees why output stopped rather than mangled text.
//   x/text decoders substitute U+FFFD silently; a decoded chunk containing
//   it must re-encode to the original bytes or it is rejected.
//
// Error handling:
//   Failures are returned as *EncodeError / *DecodeError values and never
//   panic. The writer and reader tasks turn them into visible diagnostics.
//
// ============================================================================

package codec

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// DefaultEncoding is used when no encoding is configured.
const DefaultEncoding = "utf-8"

// ErrUnknownEncoding is returned by New for names x/text cannot resolve.
var ErrUnknownEncoding = errors.New("codec: unknown encoding")

var errInvalidSequence = errors.New("invalid byte sequence")

// EncodeError reports text that cannot be represented in the encoding.
type EncodeError struct {
	Encoding string // encoding name as configured
	Offset   int    // byte offset into the source text, -1 if unknown
	Err      error
}

func (e *EncodeError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("%s: cannot encode text at offset %d: %v", e.Encoding, e.Offset, e.Err)
	}
	return fmt.Sprintf("%s: cannot encode text: %v", e.Encoding, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError reports an invalid byte sequence in compiler output.
type DecodeError struct {
	Encoding string
	Offset   int  // offset into the decoded chunk
	Byte     byte // first offending byte
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: cannot decode output: %v", e.Encoding, e.Err)
	}
	return fmt.Sprintf("%s: invalid byte 0x%02x at offset %d", e.Encoding, e.Byte, e.Offset)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Codec is a fixed text encoding. The zero value is not usable; use New.
// A Codec is immutable and safe for concurrent use.
type Codec struct {
	name string
	enc  encoding.Encoding // nil for strict UTF-8
}

// New resolves name (case-insensitive) to a Codec.
func New(name string) (*Codec, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultEncoding
	}

	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, name)
	}

	canonical, err := ianaindex.IANA.Name(enc)
	if err == nil && strings.EqualFold(canonical, "UTF-8") {
		enc = nil
	}

	return &Codec{name: name, enc: enc}, nil
}

// MustNew is New for names known to be valid.
func MustNew(name string) *Codec {
	c, err := New(name)
	if err != nil {
		panic(err)
	}
	return c
}

// Name returns the encoding name as configured.
func (c *Codec) Name() string { return c.name }

// Encode converts text to bytes.
func (c *Codec) Encode(text string) ([]byte, error) {
	if c.enc == nil {
		if off := invalidUTF8Offset([]byte(text)); off >= 0 {
			return nil, &EncodeError{
				Encoding: c.name,
				Offset:   off,
				Err:      fmt.Errorf("invalid UTF-8 byte 0x%02x", text[off]),
			}
		}
		return []byte(text), nil
	}

	out, err := c.enc.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, &EncodeError{Encoding: c.name, Offset: -1, Err: err}
	}
	return out, nil
}

// Decode converts compiler output bytes to text.
func (c *Codec) Decode(b []byte) (string, error) {
	if c.enc == nil {
		if off := invalidUTF8Offset(b); off >= 0 {
			return "", &DecodeError{Encoding: c.name, Offset: off, Byte: b[off]}
		}
		return string(b), nil
	}

	out, err := c.enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", &DecodeError{Encoding: c.name, Offset: -1, Err: err}
	}

	text := string(out)
	if i := strings.IndexRune(text, utf8.RuneError); i >= 0 {
		back, err := c.enc.NewEncoder().Bytes(out)
		if err != nil || !bytes.Equal(back, b) {
			return "", c.replacementError(b, text[:i])
		}
	}
	return text, nil
}

// replacementError locates the byte the decoder replaced with U+FFFD.
// valid is the decoded text preceding the replacement.
func (c *Codec) replacementError(b []byte, valid string) *DecodeError {
	prefix, err := c.enc.NewEncoder().Bytes([]byte(valid))
	if err != nil || len(prefix) >= len(b) {
		return &DecodeError{Encoding: c.name, Offset: -1, Err: errInvalidSequence}
	}
	return &DecodeError{Encoding: c.name, Offset: len(prefix), Byte: b[len(prefix)]}
}

// invalidUTF8Offset returns the offset of the first invalid sequence, or -1.
func invalidUTF8Offset(b []byte) int {
	for i := 0; i < len(b); {
		if b[i] < utf8.RuneSelf {
			i++
			continue
		}
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size == 1 {
			return i
		}
		i += size
	}
	return -1
}
