package network

import (
	"errors"
	"fmt"
	"io"
)

// ErrBodyTooLarge is returned by ReadLimited when the body exceeds the limit.
var ErrBodyTooLarge = errors.New("response body exceeds limit")

// ReadLimited reads at most limit bytes from r. A body longer than limit is
// an error rather than a silent truncation, since a cut-off JSON document
// is never useful. A non-positive limit reads everything.
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, limit)
	}
	return data, nil
}
