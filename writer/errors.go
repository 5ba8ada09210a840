package writer

import (
	"errors"
	"fmt"

	"github.com/zsiec/pushmux/internal/bitstream"
	"github.com/zsiec/pushmux/internal/muxer"
)

// Sentinel errors reported by a Writer. Returned errors wrap one of these,
// usually inside an *OpError, so callers can use errors.Is.
var (
	ErrInvalidInput               = errors.New("writer: invalid input")
	ErrInvalidState               = errors.New("writer: invalid state")
	ErrMuxer                      = errors.New("writer: muxer error")
	ErrUnsupportedBitstreamFormat = errors.New("writer: unsupported bitstream format")
	ErrUnsupportedCodec           = errors.New("writer: unsupported codec")
)

// OpError records the operation and destination that failed.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("writer: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("writer: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// classify attaches the writer sentinel matching an error from the muxer,
// bitstream or transport layers. Errors with no better match become
// ErrMuxer.
func classify(err error) error {
	switch {
	case errors.Is(err, muxer.ErrUnsupportedCodec):
		return fmt.Errorf("%w: %w: %w", ErrMuxer, ErrUnsupportedCodec, err)
	case errors.Is(err, bitstream.ErrUnsupported):
		return fmt.Errorf("%w: %w", ErrUnsupportedBitstreamFormat, err)
	case errors.Is(err, bitstream.ErrMalformed):
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	default:
		return fmt.Errorf("%w: %w", ErrMuxer, err)
	}
}
