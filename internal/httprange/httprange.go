// Package httprange formats and parses HTTP byte-range headers as used
// by S3-compatible stores: "Range: bytes=start-end" requests (end
// inclusive, either side optional) and "Content-Range: bytes
// start-end/size" responses.
package httprange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed indicates a Range header that does not parse.
var ErrMalformed = errors.New("httprange: malformed range")

// ErrUnsatisfiable indicates a parsed range starting at or past the
// object size.
var ErrUnsatisfiable = errors.New("httprange: range not satisfiable")

// Format renders an offset/length pair as a Range header value.
// A zero length yields an open-ended "bytes=start-".
func Format(offset, length int64) string {
	if length == 0 {
		return fmt.Sprintf("bytes=%d-", offset)
	}
	return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
}

// Parse interprets a Range request header against an object of the
// given size, returning the inclusive [start, end] to serve. A missing
// start means a suffix range ("bytes=-n", the last n bytes); a missing
// end means to end of object. Ranges extending past the object are
// clipped; ranges starting at or past the size return ErrUnsatisfiable.
func Parse(header string, size int64) (start, end int64, err error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		// Multi-range requests are out of scope, as they are for S3.
		return 0, 0, ErrMalformed
	}
	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, ErrMalformed
	}

	if startStr == "" {
		// Suffix range: last n bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, ErrMalformed
		}
		if n > size {
			n = size
		}
		if n == 0 {
			return 0, 0, ErrUnsatisfiable
		}
		return size - n, size - 1, nil
	}

	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, ErrMalformed
	}
	if start >= size {
		return 0, 0, ErrUnsatisfiable
	}

	end = size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return 0, 0, ErrMalformed
		}
		if end >= size {
			end = size - 1
		}
	}
	return start, end, nil
}

// ContentRange renders a Content-Range response header for the
// inclusive [start, end] slice of an object of the given size.
func ContentRange(start, end, size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", start, end, size)
}
