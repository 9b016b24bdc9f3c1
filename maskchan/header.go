/*
	Package maskchan decodes the mask/chan binary volumetric segmentation format
	and merges fragments into shared voxel volumes through Sinks.

	A mask file describes which voxels of a 3d space a single neuron fragment or
	compartment occupies, stored as run-length rays along the fastest-varying axis.
	A chan file holds the matching per-voxel, multi-channel intensity data.
*/
package maskchan

import (
	"errors"
	"fmt"
	"io"
	"math"
)

// DefaultDivisibility is the multiple each padded axis is rounded up to.
const DefaultDivisibility = 64

var (
	ErrBadAxisOrder = errors.New("axis order must be 0, 1 or 2")
	ErrBadExtents   = errors.New("bad volume extents")
)

// AxisOrder tells which canonical axis varies fastest along mask rays.
type AxisOrder uint8

const (
	AxisX AxisOrder = iota // yz(x): rays run along x
	AxisY                  // xz(y): rays run along y
	AxisZ                  // xy(z): rays run along z
)

func (a AxisOrder) String() string {
	switch a {
	case AxisX:
		return "yz(x)"
	case AxisY:
		return "xz(y)"
	case AxisZ:
		return "xy(z)"
	default:
		return fmt.Sprintf("unknown axis order %d", uint8(a))
	}
}

// Valid returns true if the axis order is one of the three known codes.
func (a AxisOrder) Valid() bool {
	return a <= AxisZ
}

// Layout returns the canonical axis (0=x, 1=y, 2=z) of the fastest, second-fastest
// and slowest varying source coordinates.
func (a AxisOrder) Layout() [3]int {
	switch a {
	case AxisX:
		return [3]int{0, 2, 1}
	case AxisY:
		return [3]int{1, 2, 0}
	default:
		return [3]int{2, 1, 0}
	}
}

// Header is the fixed-size preamble of a mask file.
type Header struct {
	Size        [3]int64    // extents along x, y, z
	Microns     [3]float32  // real-world extent of a single voxel
	Bounds      [3][2]int64 // bounding box per axis, end exclusive
	TotalVoxels int64
	Axis        AxisOrder
}

// HeaderBytes is the encoded length of a Header.
const HeaderBytes = 3*8 + 3*4 + 6*8 + 8 + 1

// ReadHeader parses a mask header.  An axis order outside {0,1,2} is
// returned as ErrBadAxisOrder.
func ReadHeader(r io.Reader) (*Header, error) {
	return readHeader(NewStreamReader(r))
}

func readHeader(s *StreamReader) (*Header, error) {
	var h Header
	var err error
	for i, name := range []string{"sx", "sy", "sz"} {
		if h.Size[i], err = s.ReadInt64(name); err != nil {
			return nil, err
		}
	}
	for i, name := range []string{"x microns", "y microns", "z microns"} {
		if h.Microns[i], err = s.ReadFloat32(name); err != nil {
			return nil, err
		}
	}
	for i, name := range []string{"x bounds", "y bounds", "z bounds"} {
		for j := 0; j < 2; j++ {
			if h.Bounds[i][j], err = s.ReadInt64(name); err != nil {
				return nil, err
			}
		}
	}
	if h.TotalVoxels, err = s.ReadInt64("total voxels"); err != nil {
		return nil, err
	}
	axis, err := s.ReadUint8("axis order")
	if err != nil {
		return nil, err
	}
	h.Axis = AxisOrder(axis)
	if !h.Axis.Valid() {
		return nil, fmt.Errorf("%w: got %d", ErrBadAxisOrder, axis)
	}
	for i := 0; i < 3; i++ {
		if h.Size[i] <= 0 {
			return nil, fmt.Errorf("%w: axis %d has extent %d", ErrBadExtents, i, h.Size[i])
		}
	}
	if h.TotalVoxels < 0 {
		return nil, fmt.Errorf("%w: negative total voxel count %d", ErrMalformed, h.TotalVoxels)
	}
	if capacity, ok := voxelProduct(h.Size); ok && h.TotalVoxels > capacity {
		return nil, fmt.Errorf("%w: total voxel count %d exceeds %d x %d x %d volume",
			ErrMalformed, h.TotalVoxels, h.Size[0], h.Size[1], h.Size[2])
	}
	return &h, nil
}

// voxelProduct returns the product of positive extents, or false if it
// overflows an int64.
func voxelProduct(size [3]int64) (int64, bool) {
	product := int64(1)
	for _, n := range size {
		if n <= 0 {
			return 0, true
		}
		if product > math.MaxInt64/n {
			return 0, false
		}
		product *= n
	}
	return product, true
}

// Write encodes the header in mask file layout.
func (h *Header) Write(w io.Writer) error {
	s := NewStreamWriter(w)
	for i := 0; i < 3; i++ {
		s.WriteInt64(h.Size[i])
	}
	for i := 0; i < 3; i++ {
		s.WriteFloat32(h.Microns[i])
	}
	for i := 0; i < 3; i++ {
		s.WriteInt64(h.Bounds[i][0])
		s.WriteInt64(h.Bounds[i][1])
	}
	s.WriteInt64(h.TotalVoxels)
	s.WriteUint8(uint8(h.Axis))
	return s.Err()
}

// SourceExtents returns the extents of the fastest, second-fastest and slowest
// varying source axes.
func (h *Header) SourceExtents() [3]int64 {
	layout := h.Axis.Layout()
	return [3]int64{h.Size[layout[0]], h.Size[layout[1]], h.Size[layout[2]]}
}

// Extents describes the original and padded size of a volume.
type Extents struct {
	Original [3]int64
	Padded   [3]int64
	Coverage [3]float32 // Original / Padded per axis
}

// PadExtents rounds each axis of size up to a multiple of divisibility and
// computes the fraction of each padded axis covered by real data.  A
// divisibility <= 1 disables padding.  Zero extents and padded extents beyond
// the 32-bit index range are errors.
func PadExtents(size [3]int64, divisibility int64) (Extents, error) {
	var ext Extents
	ext.Original = size
	for i := 0; i < 3; i++ {
		if size[i] <= 0 {
			return ext, fmt.Errorf("%w: axis %d has extent %d", ErrBadExtents, i, size[i])
		}
		padded := size[i]
		if divisibility > 1 {
			if leftover := padded % divisibility; leftover > 0 {
				padded += divisibility - leftover
			}
		}
		if padded > math.MaxInt32 {
			return ext, fmt.Errorf("%w: padded extent %d along axis %d exceeds 32-bit range", ErrBadExtents, padded, i)
		}
		ext.Padded[i] = padded
		ext.Coverage[i] = float32(size[i]) / float32(padded)
	}
	return ext, nil
}

// NumVoxels returns the number of voxels in the padded volume.
func (ext Extents) NumVoxels() int64 {
	return ext.Padded[0] * ext.Padded[1] * ext.Padded[2]
}

// Index returns the linear index of a canonical coordinate in the padded volume.
func (ext Extents) Index(x, y, z int64) int64 {
	return z*ext.Padded[0]*ext.Padded[1] + y*ext.Padded[0] + x
}

func (ext Extents) String() string {
	return fmt.Sprintf("%d x %d x %d (padded %d x %d x %d)",
		ext.Original[0], ext.Original[1], ext.Original[2],
		ext.Padded[0], ext.Padded[1], ext.Padded[2])
}
