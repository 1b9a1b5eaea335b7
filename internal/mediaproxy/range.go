package mediaproxy

import (
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/corvidio/sentinel/internal/apperr"
)

// Range is a single resolved, inclusive byte range.
type Range struct {
	Start, End int64
}

// Length is the number of bytes the range covers.
func (r Range) Length() int64 { return r.End - r.Start + 1 }

// ParseRange parses a "Range: bytes=a-b" header against a resource of the
// given size, following RFC 7233 single-range semantics. An
// empty header returns ok=false with no error, meaning "serve the full
// resource". A malformed header, a multi-range request, or a range this
// repository's clips never need to satisfy returns apperr.KindUnsatisfiableRange,
// which the HTTP boundary maps to 416.
func ParseRange(header string, size int64) (Range, bool, error) {
	if header == "" {
		return Range{}, false, nil
	}
	unsatisfiable := func(msg string) (Range, bool, error) {
		return Range{}, false, apperr.Newf("%s", msg).Component("mediaproxy").AsKind(apperr.KindUnsatisfiableRange).Build()
	}
	if !httpguts.ValidHeaderFieldValue(header) {
		return unsatisfiable("invalid range header value")
	}
	if !strings.HasPrefix(header, "bytes=") {
		return unsatisfiable("unsupported range unit")
	}
	spec := strings.TrimPrefix(header, "bytes=")
	if strings.Contains(spec, ",") {
		return unsatisfiable("multiple ranges not supported")
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return unsatisfiable("malformed range")
	}

	var start, end int64
	var err error
	switch {
	case parts[0] == "" && parts[1] == "":
		return unsatisfiable("malformed range")
	case parts[0] == "":
		n, perr := strconv.ParseInt(parts[1], 10, 64)
		if perr != nil || n <= 0 {
			return unsatisfiable("malformed suffix range")
		}
		if n > size {
			n = size
		}
		start = size - n
		end = size - 1
	default:
		start, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil || start < 0 {
			return unsatisfiable("malformed range start")
		}
		if parts[1] == "" {
			end = size - 1
		} else {
			end, err = strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return unsatisfiable("malformed range end")
			}
		}
	}

	if size <= 0 || start > end || start >= size || end < 0 {
		return unsatisfiable("unsatisfiable range")
	}
	if end >= size {
		end = size - 1
	}
	return Range{Start: start, End: end}, true, nil
}
