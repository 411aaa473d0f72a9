// Package decode unwraps the wire format used for scan payloads dropped
// into the object store: ASCII Base64 of a GZIP stream of UTF-8 JSON.
//
// Decoding is all-or-nothing; a payload that fails any stage is permanently
// bad and must not be retried (the bytes in the store will not change).
package decode

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// Kind identifies which stage of the unwrap rejected the payload.
type Kind string

const (
	KindEmptyInput Kind = "empty_input"
	KindBadBase64  Kind = "bad_base64"
	KindBadGzip    Kind = "bad_gzip"
	KindBadUTF8    Kind = "bad_utf8"
)

// Error is returned for any malformed payload. It always wraps the
// underlying cause (when one exists) so callers can log it.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("decode: %s", e.Kind)
	}
	return fmt.Sprintf("decode: %s: %v", e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// Decode unwraps raw object bytes into the inner JSON document.
//
// Trailing whitespace is tolerated (some producers append a newline after
// the Base64 block); everything else is strict: standard alphabet with
// padding, a well-terminated gzip stream, and valid UTF-8.
func Decode(raw []byte) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", &Error{Kind: KindEmptyInput}
	}

	compressed, err := base64.StdEncoding.DecodeString(string(trimmed))
	if err != nil {
		return "", &Error{Kind: KindBadBase64, cause: err}
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return "", &Error{Kind: KindBadGzip, cause: err}
	}
	defer zr.Close()

	plain, err := io.ReadAll(zr)
	if err != nil {
		// Truncated streams surface as io.ErrUnexpectedEOF from the
		// flate layer; treat them the same as a bad header.
		return "", &Error{Kind: KindBadGzip, cause: err}
	}
	if err := zr.Close(); err != nil {
		return "", &Error{Kind: KindBadGzip, cause: err}
	}

	if !utf8.Valid(plain) {
		return "", &Error{Kind: KindBadUTF8}
	}
	return string(plain), nil
}

// KindOf extracts the decode failure kind from err, or "" when err did not
// originate in this package.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
