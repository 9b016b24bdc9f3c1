package maskchan

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/janelia-flyem/maskchan/dvid"
)

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithSegment restricts a decoder to segment i of n equal spans of the padded
// linear index range.
func WithSegment(i, n int) DecoderOption {
	return func(d *Decoder) {
		d.segment, d.numSegments = i, n
	}
}

// WithSpan restricts a decoder to linear indices in [start, end).
func WithSpan(start, end int64) DecoderOption {
	return func(d *Decoder) {
		d.spanStart, d.spanEnd, d.hasSpan = start, end, true
	}
}

// WithDivisibility sets the multiple each axis is padded to.  Use 1 to disable padding.
func WithDivisibility(div int64) DecoderOption {
	return func(d *Decoder) {
		d.divisibility = div
	}
}

// WithIntensityDivisor divides every emitted channel byte, e.g., to dim compartments.
func WithIntensityDivisor(div int) DecoderOption {
	return func(d *Decoder) {
		if div > 0 {
			d.divisor = div
		}
	}
}

// WithStats sets the collector of per-fragment channel averages.
func WithStats(stats StatsRecorder) DecoderOption {
	return func(d *Decoder) {
		d.stats = stats
	}
}

// WithoutNotify keeps the decoder from calling SetSpaceSize on its sinks.
func WithoutNotify() DecoderOption {
	return func(d *Decoder) {
		d.notify = false
	}
}

// Decoder decodes one mask stream, or one segment of it, into sinks.
// A Decoder is used by a single goroutine.
type Decoder struct {
	stream    *StreamReader
	frag      *Fragment
	maskSinks []Sink
	chanSinks []Sink

	divisibility int64
	divisor      int
	stats        StatsRecorder
	notify       bool

	segment, numSegments int
	spanStart, spanEnd   int64
	hasSpan              bool

	header *Header
	ext    Extents

	lastSkip int64
}

// NewDecoder returns a decoder reading the mask stream r for fragment frag.
func NewDecoder(r io.Reader, frag *Fragment, sinks []Sink, opts ...DecoderOption) *Decoder {
	if frag == nil {
		frag = &Fragment{}
	}
	d := &Decoder{
		stream:       NewStreamReader(r),
		frag:         frag,
		maskSinks:    MaskSinks(sinks),
		chanSinks:    ChannelSinks(sinks),
		divisibility: DefaultDivisibility,
		divisor:      1,
		notify:       true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ReadHeader parses the mask header on first call and returns the cached header
// afterwards.  The first call computes padded extents, fills in an unknown
// fragment voxel count, and notifies sinks of the space size.
func (d *Decoder) ReadHeader() (*Header, error) {
	if d.header != nil {
		return d.header, nil
	}
	h, err := readHeader(d.stream)
	if err != nil {
		return nil, err
	}
	ext, err := PadExtents(h.Size, d.divisibility)
	if err != nil {
		return nil, err
	}
	d.header = h
	d.ext = ext
	d.frag.SetVoxelCount(h.TotalVoxels)
	if d.hasSpan {
		if d.spanStart < 0 || d.spanEnd < d.spanStart {
			return nil, fmt.Errorf("bad decode span [%d,%d)", d.spanStart, d.spanEnd)
		}
	} else if d.numSegments > 0 {
		d.spanStart, d.spanEnd = SegmentSpan(ext.NumVoxels(), d.segment, d.numSegments)
		d.hasSpan = true
	}
	if d.notify {
		notified := make(map[Sink]struct{})
		for _, sinks := range [][]Sink{d.maskSinks, d.chanSinks} {
			for _, sink := range sinks {
				if _, done := notified[sink]; done {
					continue
				}
				notified[sink] = struct{}{}
				if err := sink.SetSpaceSize(ext); err != nil {
					return nil, err
				}
			}
		}
	}
	return h, nil
}

// Extents returns the padded extents computed from the header.
func (d *Decoder) Extents() Extents {
	return d.ext
}

// SegmentSpan returns the i-th of n contiguous spans covering [0, total).
// Every index falls in exactly one span.
func SegmentSpan(total int64, i, n int) (start, end int64) {
	if n <= 1 {
		return 0, total
	}
	size := (total + int64(n) - 1) / int64(n)
	start = int64(i) * size
	end = start + size
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}
	return
}

// CountVoxels returns the voxel count stored in a mask header without reading rays.
func CountVoxels(r io.Reader) (int64, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return 0, err
	}
	return h.TotalVoxels, nil
}

// ctxCheckRecords is how many ray records are decoded between checks for
// cancellation.
const ctxCheckRecords = 64

// Decode reads all ray records and sends voxels in the decoder's span to its
// sinks.  If chans is nil and channel sinks exist, substitute channel values
// are emitted.  A cancelled ctx stops the decode between ray records.
func (d *Decoder) Decode(ctx context.Context, chans *ChannelData) error {
	h, err := d.ReadHeader()
	if err != nil {
		return err
	}
	if len(d.chanSinks) == 0 {
		chans = nil
	} else if chans == nil {
		chans = EmptyChannelData()
	}
	v, err := d.newVoxelEmitter(h, chans)
	if err != nil {
		return err
	}

	src := h.SourceExtents()
	layout := h.Axis.Layout()
	fastest, sliceSize := src[0], src[0]*src[1]

	var read, rayNum, records int64
	var coord [3]int64
	for read < h.TotalVoxels {
		if records%ctxCheckRecords == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		records++
		skip, err := d.stream.ReadInt64("skip count")
		if err != nil {
			return err
		}
		numPairs, err := d.stream.ReadInt64("pair count")
		if err != nil {
			return err
		}
		if numPairs < 0 || skip < 0 {
			return fmt.Errorf("%w: ray record with skip %d and %d pairs", ErrMalformed, skip, numPairs)
		}
		d.checkSkip(h, skip)

		rayNum += skip
		offset := rayNum * fastest
		slice := offset / sliceSize
		line := (offset % sliceSize) / fastest
		if slice >= src[2] {
			return fmt.Errorf("%w: ray %d lies beyond the %s volume", ErrMalformed, rayNum, h.Axis)
		}
		coord[layout[1]] = line
		coord[layout[2]] = slice

		var recordVoxels int64
		for p := int64(0); p < numPairs; p++ {
			start, err := d.stream.ReadInt64("ray start")
			if err != nil {
				return err
			}
			end, err := d.stream.ReadInt64("ray end")
			if err != nil {
				return err
			}
			if start < 0 || end < start || end > fastest {
				return fmt.Errorf("%w: ray run [%d,%d) outside [0,%d)", ErrMalformed, start, end, fastest)
			}
			if read+end-start > h.TotalVoxels {
				return fmt.Errorf("%w: runs exceed header total of %d voxels", ErrMalformed, h.TotalVoxels)
			}
			for pos := start; pos < end; pos++ {
				coord[layout[0]] = pos
				y := coord[1]
				if d.frag.InvertedY {
					y = h.Size[1] - y - 1
				}
				idx := d.ext.Index(coord[0], y, coord[2])
				if !d.hasSpan || (idx >= d.spanStart && idx < d.spanEnd) {
					if err := v.emit(read, idx, coord[0], y, coord[2]); err != nil {
						return err
					}
				}
				read++
			}
			recordVoxels += end - start
		}
		if recordVoxels == 0 {
			return fmt.Errorf("%w: record after ray %d", ErrEmptyRecord, rayNum)
		}
		rayNum++
	}

	if v.averages != nil && d.stats != nil {
		d.stats.AddChannelAverages(d.frag.ID, v.averages)
	}
	return nil
}

// checkSkip logs skip counts that jump outside the bounding box along the
// second-fastest axis.  It never fails the decode.
func (d *Decoder) checkSkip(h *Header, skip int64) {
	prev := d.lastSkip
	d.lastSkip = skip
	if prev == 0 || skip == 0 {
		return
	}
	layout := h.Axis.Layout()
	secondMax := h.Size[layout[1]]
	bounds := h.Bounds[layout[1]]
	width := bounds[1] - bounds[0]
	mod := skip % secondMax
	gap := secondMax - mod
	if gap < 0 {
		gap = -gap
	}
	if mod > width && width < secondMax/2 && gap > width {
		dvid.Errorf("With bounds %d:%d, skipped ray count of %d exceeds bounding box for %s, axis order %s. 2nd-varying max is %d.\n",
			bounds[0], bounds[1], skip, d.frag, h.Axis, secondMax)
	}
}

// voxelEmitter sends one voxel at a time to the decoder's sinks.
type voxelEmitter struct {
	d     *Decoder
	chans *ChannelData
	md    *ChannelMetaData

	buf      []byte // per-voxel channel bytes passed to sinks
	rgb      []int
	averages []float64
	factor   float64
}

func (d *Decoder) newVoxelEmitter(h *Header, chans *ChannelData) (*voxelEmitter, error) {
	v := &voxelEmitter{d: d, chans: chans}
	if chans == nil {
		return v, nil
	}
	md := chans.MetaData
	v.md = &md
	v.rgb = md.OrderedRGBIndexes()
	v.averages = make([]float64, len(v.rgb))
	if chans.Synthetic() {
		v.buf = make([]byte, len(chans.Substitute))
		for i, b := range chans.Substitute {
			v.buf[i] = byte(int(b) / d.divisor)
		}
		return v, nil
	}
	if chans.TotalVoxels != h.TotalVoxels {
		return nil, fmt.Errorf("%w: channel data has %d voxels, mask has %d", ErrMalformed, chans.TotalVoxels, h.TotalVoxels)
	}
	if len(chans.Channels) > md.ChannelCount {
		return nil, fmt.Errorf("%w: %d channel arrays for %d channels", ErrMalformed, len(chans.Channels), md.ChannelCount)
	}
	if md.ByteCount <= 0 || h.TotalVoxels > math.MaxInt64/int64(md.ByteCount) {
		return nil, fmt.Errorf("%w: %d voxels of %d bytes overflows a channel array", ErrMalformed, h.TotalVoxels, md.ByteCount)
	}
	want := h.TotalVoxels * int64(md.ByteCount)
	for c, data := range chans.Channels {
		if int64(len(data)) < want {
			return nil, fmt.Errorf("%w: channel %d holds %d bytes, need %d", ErrMalformed, c, len(data), want)
		}
	}
	v.buf = make([]byte, md.VoxelBytes())
	if h.TotalVoxels > 0 {
		v.factor = 1.0 / (float64(h.TotalVoxels) * math.Pow(256, float64(md.ByteCount)))
	}
	return v, nil
}

// emit sends voxel number n in file order, at padded index idx, to all sinks.
func (v *voxelEmitter) emit(n, idx, x, y, z int64) error {
	d := v.d
	for _, sink := range d.maskSinks {
		if _, err := sink.AddMaskData(d.frag.TranslatedNum, idx, x, y, z); err != nil {
			return err
		}
	}
	if v.chans == nil {
		return nil
	}
	if !v.chans.Synthetic() {
		bc := v.md.ByteCount
		base := n * int64(bc)
		divisor := uint64(d.divisor)
		for c, data := range v.chans.Channels {
			var value uint64
			for j := 0; j < bc; j++ {
				b := data[base+int64(j)]
				v.buf[c*bc+bc-1-j] = byte(uint64(b) / divisor)
				value += uint64(b) << (8 * uint(bc-1-j))
			}
			v.averages[v.rgb[c]] += float64(value) * v.factor
		}
	}
	for _, sink := range d.chanSinks {
		if _, err := sink.AddChannelData(d.frag.TranslatedNum, v.buf, idx, x, y, z, v.md); err != nil {
			return err
		}
	}
	return nil
}
