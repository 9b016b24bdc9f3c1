package maskchan

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyRecord is returned for a ray record that covers no voxels.
	ErrEmptyRecord = errors.New("ray record with zero voxels")

	// ErrMalformed is returned for structurally invalid streams.
	ErrMalformed = errors.New("malformed mask/chan stream")

	// ErrMasksExhausted is returned by a MaskRegistry with no capacity left for
	// another combined mask id.
	ErrMasksExhausted = errors.New("mask id capacity exhausted")

	ErrLoaderClosed = errors.New("loader already closed")
	ErrLoadTimeout  = errors.New("timed out waiting for segment decoders")
)

// SegmentError records the failure of one segment decoder of a fragment.
type SegmentError struct {
	Fragment string
	Segment  int
	Err      error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("segment %d of %s: %v", e.Segment, e.Fragment, e.Err)
}

func (e *SegmentError) Unwrap() error {
	return e.Err
}
