package maskchan

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/janelia-flyem/maskchan/dvid"
)

const (
	DefaultSegments    = 16
	DefaultLoadTimeout = 30 * time.Minute
)

// FileResolver turns a logical mask or channel path into a locally readable
// file, fetching it if necessary.
type FileResolver interface {
	Resolve(ctx context.Context, logical string) (string, error)
}

// StreamSource opens the mask and channel streams of a fragment.  OpenChannel
// returns a nil reader if the fragment has no channel data.
type StreamSource interface {
	OpenMask(ctx context.Context, frag *Fragment) (io.ReadCloser, error)
	OpenChannel(ctx context.Context, frag *Fragment) (io.ReadCloser, error)
}

// FileSource opens fragment streams from files, optionally resolving
// logical paths first.
type FileSource struct {
	Resolver FileResolver
}

func (fs FileSource) open(ctx context.Context, path string) (io.ReadCloser, error) {
	if fs.Resolver != nil {
		local, err := fs.Resolver.Resolve(ctx, path)
		if err != nil {
			return nil, err
		}
		path = local
	}
	return os.Open(path)
}

func (fs FileSource) OpenMask(ctx context.Context, frag *Fragment) (io.ReadCloser, error) {
	if frag.MaskPath == "" {
		return nil, fmt.Errorf("%s has no mask path", frag)
	}
	return fs.open(ctx, frag.MaskPath)
}

func (fs FileSource) OpenChannel(ctx context.Context, frag *Fragment) (io.ReadCloser, error) {
	if frag.ChannelPath == "" {
		return nil, nil
	}
	return fs.open(ctx, frag.ChannelPath)
}

// LoaderConfig holds the settings of a Loader.  Zero values select defaults.
type LoaderConfig struct {
	Segments     int           // spans per fragment, default 16
	PoolSize     int           // concurrent segment decoders, default Segments
	Timeout      time.Duration // default 30 minutes
	Divisibility int64         // axis padding multiple, default 64; 1 disables

	// IntensityDivisor divides channel bytes of regular fragments and
	// CompartmentDivisor those of compartments.  Both default to 1.
	IntensityDivisor   int
	CompartmentDivisor int

	Stats   StatsRecorder
	Checker *ConsistencyChecker
}

// Loader decodes fragments into a shared set of sinks, splitting each fragment
// across a bounded pool of segment decoders.
type Loader struct {
	cfg   LoaderConfig
	sinks []Sink

	hasChannelSinks bool

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup // segment pools still running, possibly past a timeout
}

// NewLoader returns a loader feeding the given sinks.
func NewLoader(cfg LoaderConfig, sinks ...Sink) *Loader {
	if cfg.Segments <= 0 {
		cfg.Segments = DefaultSegments
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = cfg.Segments
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultLoadTimeout
	}
	if cfg.Divisibility <= 0 {
		cfg.Divisibility = DefaultDivisibility
	}
	if cfg.IntensityDivisor <= 0 {
		cfg.IntensityDivisor = 1
	}
	if cfg.CompartmentDivisor <= 0 {
		cfg.CompartmentDivisor = 1
	}
	return &Loader{
		cfg:             cfg,
		sinks:           sinks,
		hasChannelSinks: len(ChannelSinks(sinks)) > 0,
	}
}

// Config returns the loader's settings with defaults applied.
func (l *Loader) Config() LoaderConfig {
	return l.cfg
}

func (l *Loader) divisorFor(frag *Fragment) int {
	if frag.Compartment {
		return l.cfg.CompartmentDivisor
	}
	return l.cfg.IntensityDivisor
}

// Load decodes one fragment.  The header is read once to notify sinks, the
// channel stream is read once and shared, and then each segment decoder
// re-reads the mask stream and commits only voxels in its span.  The first
// segment failure is returned after all segments finish.  On timeout the
// segments are cancelled and Close waits for them before ending the sinks.
func (l *Loader) Load(ctx context.Context, frag *Fragment, src StreamSource) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoaderClosed
	}
	l.inflight.Add(1)
	l.mu.Unlock()
	launched := false
	defer func() {
		if !launched {
			l.inflight.Done()
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	timedLog := dvid.NewTimeLog()

	h, ext, err := l.readHeader(ctx, frag, src)
	if err != nil {
		return fmt.Errorf("reading header of %s: %w", frag, err)
	}
	if l.cfg.Checker != nil {
		l.cfg.Checker.CheckExtents(frag, ext)
	}

	var chans *ChannelData
	if l.hasChannelSinks {
		if chans, err = l.readChannels(ctx, frag, src, h.TotalVoxels); err != nil {
			return fmt.Errorf("reading channels of %s: %w", frag, err)
		}
		if l.cfg.Checker != nil && !chans.Synthetic() {
			l.cfg.Checker.CheckChannelMetaData(frag, &chans.MetaData)
		}
	}

	opts := []DecoderOption{
		WithoutNotify(),
		WithDivisibility(l.cfg.Divisibility),
		WithIntensityDivisor(l.divisorFor(frag)),
	}
	if l.cfg.Stats != nil {
		opts = append(opts, WithStats(l.cfg.Stats))
	}

	var g errgroup.Group
	g.SetLimit(l.cfg.PoolSize)
	done := make(chan error, 1)
	launched = true
	go func() {
		defer l.inflight.Done()
		for i := 0; i < l.cfg.Segments && ctx.Err() == nil; i++ {
			segment := i
			g.Go(func() error {
				return l.decodeSegment(ctx, frag, src, chans, segment, opts)
			})
		}
		done <- g.Wait()
	}()

	timer := time.NewTimer(l.cfg.Timeout)
	defer timer.Stop()
	select {
	case err = <-done:
	case <-timer.C:
		cancel()
		err = fmt.Errorf("%w: %s after %s", ErrLoadTimeout, frag, l.cfg.Timeout)
	}
	if err != nil {
		return err
	}
	timedLog.Debugf("Loaded %s, %d voxels in %d segments", frag, h.TotalVoxels, l.cfg.Segments)
	return nil
}

func (l *Loader) readHeader(ctx context.Context, frag *Fragment, src StreamSource) (*Header, Extents, error) {
	rc, err := src.OpenMask(ctx, frag)
	if err != nil {
		return nil, Extents{}, err
	}
	defer rc.Close()
	d := NewDecoder(rc, frag, l.sinks, WithDivisibility(l.cfg.Divisibility))
	h, err := d.ReadHeader()
	if err != nil {
		return nil, Extents{}, err
	}
	return h, d.Extents(), nil
}

func (l *Loader) readChannels(ctx context.Context, frag *Fragment, src StreamSource, totalVoxels int64) (*ChannelData, error) {
	rc, err := src.OpenChannel(ctx, frag)
	if err != nil {
		return nil, err
	}
	if rc == nil {
		return EmptyChannelData(), nil
	}
	defer rc.Close()
	return ReadChannelData(rc, totalVoxels)
}

func (l *Loader) decodeSegment(ctx context.Context, frag *Fragment, src StreamSource, chans *ChannelData, segment int, opts []DecoderOption) error {
	rc, err := src.OpenMask(ctx, frag)
	if err != nil {
		return &SegmentError{Fragment: frag.String(), Segment: segment, Err: err}
	}
	var closeOnce sync.Once
	closeStream := func() { closeOnce.Do(func() { rc.Close() }) }
	defer closeStream()
	stop := context.AfterFunc(ctx, closeStream)
	defer stop()

	segOpts := append([]DecoderOption{WithSegment(segment, l.cfg.Segments)}, opts...)
	d := NewDecoder(rc, frag, l.sinks, segOpts...)
	if err := d.Decode(ctx, chans); err != nil {
		return &SegmentError{Fragment: frag.String(), Segment: segment, Err: err}
	}
	return nil
}

// Close ends the batch: it waits for segments of timed-out loads to stop,
// reports any consistency problems and calls EndData on every sink.  Only the
// first call has any effect; later calls return ErrLoaderClosed.
func (l *Loader) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoaderClosed
	}
	l.closed = true
	l.mu.Unlock()
	l.inflight.Wait()

	if l.cfg.Checker != nil {
		l.cfg.Checker.Report()
	}
	var firstErr error
	for _, sink := range l.sinks {
		if err := sink.EndData(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
