package maskchan

// Interest declares which decoded data a Sink wants.
type Interest uint8

const (
	MaskInterest Interest = 1 << iota
	ChannelInterest

	BothInterest = MaskInterest | ChannelInterest
)

func (i Interest) WantsMask() bool    { return i&MaskInterest != 0 }
func (i Interest) WantsChannel() bool { return i&ChannelInterest != 0 }

func (i Interest) String() string {
	switch i {
	case MaskInterest:
		return "mask"
	case ChannelInterest:
		return "channel"
	case BothInterest:
		return "mask+channel"
	default:
		return "none"
	}
}

// Sink receives decoded voxel data.  SetSpaceSize is called once per fragment
// before any voxels, then AddMaskData and AddChannelData once per voxel of
// the relevant interest, and EndData once after all fragments of a batch.
// Sinks are owned by the caller.  AddMaskData and AddChannelData are called
// concurrently from segment decoders that write disjoint positions.
type Sink interface {
	Interest() Interest
	SetSpaceSize(ext Extents) error

	// AddMaskData records maskID at linear position pos of the padded volume,
	// returning the number of voxels written.
	AddMaskData(maskID uint32, pos, x, y, z int64) (int, error)

	// AddChannelData records the channel bytes of one voxel.  The bytes hold
	// md.ChannelCount samples of md.ByteCount bytes each, most significant byte
	// first.  The slice is only valid for the duration of the call.
	AddChannelData(maskID uint32, b []byte, pos, x, y, z int64, md *ChannelMetaData) (int, error)

	EndData() error
}

// MaskSinks returns the sinks interested in mask data.
func MaskSinks(sinks []Sink) []Sink {
	var out []Sink
	for _, s := range sinks {
		if s.Interest().WantsMask() {
			out = append(out, s)
		}
	}
	return out
}

// ChannelSinks returns the sinks interested in channel data.
func ChannelSinks(sinks []Sink) []Sink {
	var out []Sink
	for _, s := range sinks {
		if s.Interest().WantsChannel() {
			out = append(out, s)
		}
	}
	return out
}
