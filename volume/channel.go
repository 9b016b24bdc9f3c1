package volume

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/DmitriyVTitov/size"
	"github.com/dustin/go-humanize"

	"github.com/janelia-flyem/maskchan/dvid"
	"github.com/janelia-flyem/maskchan/maskchan"
)

// ChannelBytesPerVoxel is the size of an RGBA voxel in a ChannelVolume.
const ChannelBytesPerVoxel = 4

const (
	numChannelStripes   = 256
	channelStripeVoxels = 4096
)

// ChannelVolume is a padded RGBA volume holding the most significant byte of
// each fragment's red, green and blue samples.  Overlapping fragments keep
// the brightest value per channel.
type ChannelVolume struct {
	mu   sync.RWMutex // guards allocation; voxel merges take a stripe
	ext  maskchan.Extents
	data []byte

	stripes [numChannelStripes]sync.Mutex
	slots   sync.Map // maskchan.ChannelMetaData -> []int

	written atomic.Int64
	ended   atomic.Bool
}

func NewChannelVolume() *ChannelVolume {
	return &ChannelVolume{}
}

func (cv *ChannelVolume) Interest() maskchan.Interest {
	return maskchan.ChannelInterest
}

func (cv *ChannelVolume) SetSpaceSize(ext maskchan.Extents) error {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	if cv.data == nil {
		cv.ext = ext
		cv.data = make([]byte, ext.NumVoxels()*ChannelBytesPerVoxel)
		dvid.Debugf("Allocated channel volume %s, %s\n", ext, humanize.Bytes(uint64(len(cv.data))))
		return nil
	}
	if ext.Padded != cv.ext.Padded {
		return fmt.Errorf("channel volume has padded extents %v, fragment has %v", cv.ext.Padded, ext.Padded)
	}
	return nil
}

// AddMaskData is ignored; a ChannelVolume only declares channel interest.
func (cv *ChannelVolume) AddMaskData(maskID uint32, pos, x, y, z int64) (int, error) {
	return 0, nil
}

func (cv *ChannelVolume) AddChannelData(maskID uint32, b []byte, pos, x, y, z int64, md *maskchan.ChannelMetaData) (int, error) {
	cv.mu.RLock()
	defer cv.mu.RUnlock()
	if cv.data == nil {
		return 0, fmt.Errorf("channel data received before space size was set")
	}
	offset := pos * ChannelBytesPerVoxel
	if pos < 0 || offset+ChannelBytesPerVoxel > int64(len(cv.data)) {
		return 0, fmt.Errorf("channel position %d (%d,%d,%d) outside volume %s", pos, x, y, z, cv.ext)
	}
	if len(b) < md.VoxelBytes() {
		return 0, fmt.Errorf("got %d channel bytes, expected %d", len(b), md.VoxelBytes())
	}
	slots := cv.rgbSlots(md)
	stripe := &cv.stripes[(pos/channelStripeVoxels)%numChannelStripes]
	stripe.Lock()
	defer stripe.Unlock()
	voxel := cv.data[offset : offset+ChannelBytesPerVoxel]
	for c := 0; c < md.RawChannelCount && c < md.ChannelCount; c++ {
		slot := slots[c]
		if slot >= ChannelBytesPerVoxel-1 {
			continue
		}
		if v := b[c*md.ByteCount]; v > voxel[slot] {
			voxel[slot] = v
		}
	}
	voxel[ChannelBytesPerVoxel-1] = 0xff
	cv.written.Add(1)
	return 1, nil
}

func (cv *ChannelVolume) rgbSlots(md *maskchan.ChannelMetaData) []int {
	if slots, ok := cv.slots.Load(*md); ok {
		return slots.([]int)
	}
	slots, _ := cv.slots.LoadOrStore(*md, md.OrderedRGBIndexes())
	return slots.([]int)
}

func (cv *ChannelVolume) EndData() error {
	if cv.ended.Swap(true) {
		return fmt.Errorf("channel volume already ended")
	}
	dvid.Infof("Channel volume complete: %s voxel writes, %s in memory\n",
		humanize.Comma(cv.written.Load()), humanize.Bytes(uint64(size.Of(cv.data))))
	return nil
}

// RGBAAt returns the voxel at a canonical coordinate.
func (cv *ChannelVolume) RGBAAt(x, y, z int64) [4]byte {
	cv.mu.RLock()
	defer cv.mu.RUnlock()
	var out [4]byte
	if cv.data == nil {
		return out
	}
	offset := cv.ext.Index(x, y, z) * ChannelBytesPerVoxel
	if offset >= 0 && offset+ChannelBytesPerVoxel <= int64(len(cv.data)) {
		copy(out[:], cv.data[offset:])
	}
	return out
}

func (cv *ChannelVolume) Extents() maskchan.Extents {
	cv.mu.RLock()
	defer cv.mu.RUnlock()
	return cv.ext
}

func (cv *ChannelVolume) BytesPerVoxel() int {
	return ChannelBytesPerVoxel
}

func (cv *ChannelVolume) Data() []byte {
	cv.mu.RLock()
	defer cv.mu.RUnlock()
	return cv.data
}
