/*
	Package volume holds the shared in-memory voxel volumes that decoded fragments
	are merged into, along with the registry of combined mask ids.
*/
package volume

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/DmitriyVTitov/size"
	"github.com/dustin/go-humanize"

	"github.com/janelia-flyem/maskchan/dvid"
	"github.com/janelia-flyem/maskchan/maskchan"
)

const (
	// MaskByteWidth is the number of bytes holding a mask id per voxel.
	MaskByteWidth = 2

	// MaxMaskID is the largest mask id that fits in MaskByteWidth bytes.
	MaxMaskID = 1<<(8*MaskByteWidth) - 1

	// BinaryMaskValue is written for every occupied voxel in binary mode.
	BinaryMaskValue = 1
)

// MaskVolume is a padded volume of little-endian mask ids.  All fragments of a
// batch must share the same padded extents.
type MaskVolume struct {
	binary bool

	mu   sync.RWMutex
	ext  maskchan.Extents
	data []byte

	written atomic.Int64
	ended   atomic.Bool
}

// NewMaskVolume returns an empty mask volume.  In binary mode only occupancy is
// recorded.
func NewMaskVolume(binary bool) *MaskVolume {
	return &MaskVolume{binary: binary}
}

func (mv *MaskVolume) Interest() maskchan.Interest {
	return maskchan.MaskInterest
}

// SetSpaceSize allocates the volume on first call.  Later calls must match the
// first padded extents.
func (mv *MaskVolume) SetSpaceSize(ext maskchan.Extents) error {
	mv.mu.Lock()
	defer mv.mu.Unlock()
	if mv.data == nil {
		mv.ext = ext
		mv.data = make([]byte, ext.NumVoxels()*MaskByteWidth)
		dvid.Debugf("Allocated mask volume %s, %s\n", ext, humanize.Bytes(uint64(len(mv.data))))
		return nil
	}
	if ext.Padded != mv.ext.Padded {
		return fmt.Errorf("mask volume has padded extents %v, fragment has %v", mv.ext.Padded, ext.Padded)
	}
	return nil
}

func (mv *MaskVolume) AddMaskData(maskID uint32, pos, x, y, z int64) (int, error) {
	mv.mu.RLock()
	defer mv.mu.RUnlock()
	if mv.data == nil {
		return 0, fmt.Errorf("mask data received before space size was set")
	}
	offset := pos * MaskByteWidth
	if pos < 0 || offset+MaskByteWidth > int64(len(mv.data)) {
		return 0, fmt.Errorf("mask position %d (%d,%d,%d) outside volume %s", pos, x, y, z, mv.ext)
	}
	if mv.binary {
		maskID = BinaryMaskValue
	} else if maskID > MaxMaskID {
		return 0, fmt.Errorf("mask id %d exceeds maximum %d", maskID, MaxMaskID)
	}
	binary.LittleEndian.PutUint16(mv.data[offset:], uint16(maskID))
	mv.written.Add(1)
	return 1, nil
}

// AddChannelData is ignored; a MaskVolume only declares mask interest.
func (mv *MaskVolume) AddChannelData(maskID uint32, b []byte, pos, x, y, z int64, md *maskchan.ChannelMetaData) (int, error) {
	return 0, nil
}

func (mv *MaskVolume) EndData() error {
	if mv.ended.Swap(true) {
		return fmt.Errorf("mask volume already ended")
	}
	dvid.Infof("Mask volume complete: %s voxel writes, %s in memory\n",
		humanize.Comma(mv.written.Load()), humanize.Bytes(uint64(size.Of(mv.data))))
	return nil
}

// ValueAt returns byte i of the volume, or 0 if out of range.
func (mv *MaskVolume) ValueAt(i int64) byte {
	mv.mu.RLock()
	defer mv.mu.RUnlock()
	if i < 0 || i >= int64(len(mv.data)) {
		return 0
	}
	return mv.data[i]
}

// MaskAt returns the mask id stored at a canonical coordinate.
func (mv *MaskVolume) MaskAt(x, y, z int64) uint32 {
	mv.mu.RLock()
	defer mv.mu.RUnlock()
	if mv.data == nil {
		return 0
	}
	offset := mv.ext.Index(x, y, z) * MaskByteWidth
	if offset < 0 || offset+MaskByteWidth > int64(len(mv.data)) {
		return 0
	}
	return uint32(binary.LittleEndian.Uint16(mv.data[offset:]))
}

func (mv *MaskVolume) Extents() maskchan.Extents {
	mv.mu.RLock()
	defer mv.mu.RUnlock()
	return mv.ext
}

func (mv *MaskVolume) BytesPerVoxel() int {
	return MaskByteWidth
}

// Data returns the raw volume bytes.
func (mv *MaskVolume) Data() []byte {
	mv.mu.RLock()
	defer mv.mu.RUnlock()
	return mv.data
}

// Written returns the number of voxel writes accepted.
func (mv *MaskVolume) Written() int64 {
	return mv.written.Load()
}
