package maskchan

import (
	"errors"
	"sync"
)

// MaskRegistry issues combined mask ids for voxels claimed by more than one
// fragment.  It returns ErrMasksExhausted when no more ids can be issued.
type MaskRegistry interface {
	Combine(candidate, existing uint32) (uint32, error)
}

// VoxelBytes gives read access to the bytes of a shared output volume.
type VoxelBytes interface {
	ValueAt(i int64) byte
}

const numRemaskStripes = 256

// stripeVoxels is the number of consecutive voxels guarded by one stripe.
const stripeVoxels = 4096

// RemaskingSink wraps a sink so that voxels already owned by another fragment
// are re-tagged with a combined mask id.  Channel data passes through.
type RemaskingSink struct {
	inner     Sink
	registry  MaskRegistry
	volume    VoxelBytes
	byteWidth int
	binary    bool

	stripes [numRemaskStripes]sync.Mutex
}

// NewRemaskingSink returns a sink that reads existing mask ids of byteWidth
// little-endian bytes from volume.  In binary mode mask data is passed through.
func NewRemaskingSink(inner Sink, registry MaskRegistry, volume VoxelBytes, byteWidth int, binary bool) *RemaskingSink {
	return &RemaskingSink{
		inner:     inner,
		registry:  registry,
		volume:    volume,
		byteWidth: byteWidth,
		binary:    binary,
	}
}

func (rs *RemaskingSink) Interest() Interest {
	return rs.inner.Interest()
}

func (rs *RemaskingSink) SetSpaceSize(ext Extents) error {
	return rs.inner.SetSpaceSize(ext)
}

func (rs *RemaskingSink) EndData() error {
	return rs.inner.EndData()
}

func (rs *RemaskingSink) AddChannelData(maskID uint32, b []byte, pos, x, y, z int64, md *ChannelMetaData) (int, error) {
	return rs.inner.AddChannelData(maskID, b, pos, x, y, z, md)
}

// AddMaskData delegates with maskID if the voxel is unclaimed or already
// carries maskID, otherwise with the combined id from the registry.  If the
// registry is exhausted the voxel is dropped and 0 is returned.
func (rs *RemaskingSink) AddMaskData(maskID uint32, pos, x, y, z int64) (int, error) {
	if rs.binary {
		return rs.inner.AddMaskData(maskID, pos, x, y, z)
	}
	mu := &rs.stripes[(pos/stripeVoxels)%numRemaskStripes]
	mu.Lock()
	defer mu.Unlock()

	existing := rs.existingAt(pos)
	if existing != 0 && existing != maskID {
		combined, err := rs.registry.Combine(maskID, existing)
		if errors.Is(err, ErrMasksExhausted) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		maskID = combined
	}
	return rs.inner.AddMaskData(maskID, pos, x, y, z)
}

func (rs *RemaskingSink) existingAt(pos int64) uint32 {
	var value uint32
	base := pos * int64(rs.byteWidth)
	for i := 0; i < rs.byteWidth; i++ {
		value |= uint32(rs.volume.ValueAt(base+int64(i))) << (8 * uint(i))
	}
	return value
}
