package maskchan

import (
	"fmt"
	"io"
	"math"
)

// SubstituteChannelValue is the mid-gray intensity used when a fragment has
// no channel file.
const SubstituteChannelValue = 127

// ChannelMetaData describes the layout of a fragment's channel data.
type ChannelMetaData struct {
	RawChannelCount int // channels stored in the file
	ChannelCount    int // channels after expansion for output
	ByteCount       int // bytes per channel sample
	RedIndex        int
	GreenIndex      int
	BlueIndex       int
}

// OrderedRGBIndexes maps each raw channel to its output slot.  Raw channels
// named as red, green and blue claim slots 0, 1 and 2 in that order, and a
// channel displaced by a claim moves to the claimant's old slot, so the
// result is always a permutation.
func (md *ChannelMetaData) OrderedRGBIndexes() []int {
	n := md.ChannelCount
	if md.RawChannelCount > n {
		n = md.RawChannelCount
	}
	slots := make([]int, n) // raw channel -> slot
	owner := make([]int, n) // slot -> raw channel
	for i := range slots {
		slots[i], owner[i] = i, i
	}
	if md.RawChannelCount < 3 || n < 3 {
		return slots
	}
	for slot, c := range []int{md.RedIndex, md.GreenIndex, md.BlueIndex} {
		if c < 0 || c >= n || slots[c] == slot {
			continue
		}
		prev, displaced := slots[c], owner[slot]
		slots[c], owner[slot] = slot, c
		slots[displaced], owner[prev] = prev, displaced
	}
	return slots
}

// RGBSlot returns the output slot of raw channel i.
func (md *ChannelMetaData) RGBSlot(i int) int {
	slots := md.OrderedRGBIndexes()
	if i < 0 || i >= len(slots) {
		return i
	}
	return slots[i]
}

// VoxelBytes returns the number of bytes a single voxel occupies across all channels.
func (md *ChannelMetaData) VoxelBytes() int {
	return md.ChannelCount * md.ByteCount
}

// Equals returns true if both metadata describe the same layout.
func (md *ChannelMetaData) Equals(other *ChannelMetaData) bool {
	if md == nil || other == nil {
		return md == other
	}
	return *md == *other
}

func (md *ChannelMetaData) String() string {
	return fmt.Sprintf("%d raw / %d channels, %d byte(s), rgb=(%d,%d,%d)",
		md.RawChannelCount, md.ChannelCount, md.ByteCount, md.RedIndex, md.GreenIndex, md.BlueIndex)
}

// ChannelData is a fragment's parsed channel file.  It is read once and shared
// read-only by every segment decoder of that fragment.
type ChannelData struct {
	MetaData    ChannelMetaData
	TotalVoxels int64
	Channels    [][]byte // one TotalVoxels*ByteCount array per raw channel

	// Substitute holds the per-voxel bytes emitted when Channels is empty.
	Substitute []byte
}

// Synthetic returns true if the data holds substitute values only.
func (cd *ChannelData) Synthetic() bool {
	return len(cd.Channels) == 0
}

// EmptyChannelData returns the metadata and substitute values used when a
// fragment has no channel stream.
func EmptyChannelData() *ChannelData {
	md := ChannelMetaData{
		RawChannelCount: 3,
		ChannelCount:    4,
		ByteCount:       1,
		RedIndex:        0,
		GreenIndex:      1,
		BlueIndex:       2,
	}
	sub := make([]byte, md.VoxelBytes())
	for i := 0; i < len(sub); i += md.ByteCount {
		sub[i] = SubstituteChannelValue
	}
	return &ChannelData{MetaData: md, Substitute: sub}
}

// ReadChannelData parses a channel stream.  A nil reader yields synthetic data.
// The stream's voxel count must match the mask header's total.
func ReadChannelData(r io.Reader, totalVoxels int64) (*ChannelData, error) {
	if r == nil {
		return EmptyChannelData(), nil
	}
	s := NewStreamReader(r)
	fileVoxels, err := s.ReadInt64("channel total voxels")
	if err != nil {
		return nil, err
	}
	if fileVoxels != totalVoxels {
		return nil, fmt.Errorf("%w: channel file has %d voxels, mask has %d", ErrMalformed, fileVoxels, totalVoxels)
	}
	var fields [5]uint8
	for i, name := range []string{"raw channel count", "red index", "blue index", "green index", "byte count"} {
		if fields[i], err = s.ReadUint8(name); err != nil {
			return nil, err
		}
	}
	md := ChannelMetaData{
		RawChannelCount: int(fields[0]),
		ChannelCount:    int(fields[0]),
		RedIndex:        int(fields[1]),
		BlueIndex:       int(fields[2]),
		GreenIndex:      int(fields[3]),
		ByteCount:       int(fields[4]),
	}
	if md.RawChannelCount == 0 || md.ByteCount == 0 {
		return nil, fmt.Errorf("%w: channel file has %d channels of %d bytes", ErrMalformed, md.RawChannelCount, md.ByteCount)
	}
	cd := &ChannelData{
		MetaData:    md,
		TotalVoxels: totalVoxels,
		Channels:    make([][]byte, md.RawChannelCount),
	}
	if totalVoxels < 0 || totalVoxels > math.MaxInt64/int64(md.ByteCount) {
		return nil, fmt.Errorf("%w: %d voxels of %d bytes overflows a channel array", ErrMalformed, totalVoxels, md.ByteCount)
	}
	size := totalVoxels * int64(md.ByteCount)
	for c := range cd.Channels {
		if cd.Channels[c], err = s.ReadBytes(fmt.Sprintf("channel %d data", c), size); err != nil {
			return nil, err
		}
	}
	return cd, nil
}

// Write encodes the channel data in chan file layout.
func (cd *ChannelData) Write(w io.Writer) error {
	s := NewStreamWriter(w)
	md := cd.MetaData
	s.WriteInt64(cd.TotalVoxels)
	s.WriteUint8(uint8(md.RawChannelCount))
	s.WriteUint8(uint8(md.RedIndex))
	s.WriteUint8(uint8(md.BlueIndex))
	s.WriteUint8(uint8(md.GreenIndex))
	s.WriteUint8(uint8(md.ByteCount))
	for _, data := range cd.Channels {
		s.WriteBytes(data)
	}
	return s.Err()
}
