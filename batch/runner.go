package batch

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/twinj/uuid"

	"github.com/janelia-flyem/maskchan/dvid"
	"github.com/janelia-flyem/maskchan/maskchan"
	"github.com/janelia-flyem/maskchan/storage"
	"github.com/janelia-flyem/maskchan/volume"
)

// Result summarizes one batch run.
type Result struct {
	BatchID  string
	Admitted []*maskchan.Fragment
	Loaded   []*maskchan.Fragment
	Failed   map[string]error // fragment name -> load error

	Masks    *volume.MaskVolume
	Channels *volume.ChannelVolume
	Tracker  *volume.MultiMaskTracker
	Stats    *maskchan.FileStats
	Problems []string // consistency problems

	Elapsed time.Duration
}

func (r *Result) String() string {
	return fmt.Sprintf("batch %s: %d admitted, %d loaded, %d failed, %d multi-masks in %s",
		r.BatchID, len(r.Admitted), len(r.Loaded), len(r.Failed), r.Tracker.Len(), r.Elapsed)
}

// Runner merges the fragments of scenes into shared volumes.
type Runner struct {
	Config *Config

	// Source overrides the file-based stream source built from [resolver].
	Source maskchan.StreamSource

	// Activity receives load events; nil disables publishing.
	Activity *storage.ActivityLog
}

// NewRunner returns a runner for the configuration, connecting to kafka if
// servers are configured.
func NewRunner(config *Config) (*Runner, error) {
	hostID, err := os.Hostname()
	if err != nil {
		hostID = "unknown"
	}
	activity, err := config.Kafka.Initialize(hostID)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize kafka: %v", err)
	}
	return &Runner{Config: config, Activity: activity}, nil
}

// Close shuts down the activity log.
func (r *Runner) Close() error {
	return r.Activity.Close()
}

func (r *Runner) source(ctx context.Context, scene *Scene) (maskchan.StreamSource, func() error, error) {
	if r.Source != nil {
		return r.Source, func() error { return nil }, nil
	}
	rc := r.Config.Resolver
	if rc.Bucket == "" && rc.Root == "" {
		rc.Root = scene.Dir()
	}
	resolver, closeFn, err := storage.OpenResolver(ctx, rc)
	if err != nil {
		return nil, nil, err
	}
	return maskchan.FileSource{Resolver: resolver}, closeFn, nil
}

func (r *Runner) publish(activity map[string]interface{}) {
	if err := r.Activity.Log(activity); err != nil {
		dvid.Errorf("unable to publish activity: %v\n", err)
	}
}

// loadOrder returns compartments first, then the rest, each keeping the
// admission order of larger fragments first.
func loadOrder(frags []*maskchan.Fragment) []*maskchan.Fragment {
	ordered := make([]*maskchan.Fragment, len(frags))
	copy(ordered, frags)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Compartment && !ordered[j].Compartment
	})
	return ordered
}

// Run loads the admitted fragments of a scene into new mask and channel
// volumes, persists their statistics and exports the volumes if configured.
func (r *Runner) Run(ctx context.Context, scene *Scene) (*Result, error) {
	cfg := r.Config
	start := time.Now()
	res := &Result{
		BatchID: uuid.NewV4().String(),
		Failed:  make(map[string]error),
	}
	dvid.Infof("Starting batch %s on scene %q with %d fragments\n", res.BatchID, scene.Name, len(scene.Fragments))

	store, err := storage.OpenStatsStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("unable to open stats store: %v", err)
	}
	defer store.Close()

	src, closeSrc, err := r.source(ctx, scene)
	if err != nil {
		return nil, err
	}
	defer closeSrc()

	filter := maskchan.AdmissionFilter{
		MinVoxels:   cfg.Filter.MinVoxels,
		MaxPerGroup: cfg.Filter.MaxPerGroup,
		Counter:     storage.StoredCounter{Store: store, Fallback: maskchan.HeaderCounter{Source: src}},
	}
	if cfg.Loader.Writeback {
		filter.MinVoxels = 0
		filter.MaxPerGroup = maskchan.Unlimited
	}
	res.Admitted = filter.Filter(ctx, scene.Build())

	var maxNum uint32
	for _, frag := range res.Admitted {
		if frag.TranslatedNum > maxNum {
			maxNum = frag.TranslatedNum
		}
	}
	res.Tracker = volume.NewMultiMaskTracker(volume.MaxMaskID)
	res.Tracker.SetFirstMaskNum(maxNum + 1)

	binary := cfg.BinaryMasks()
	res.Masks = volume.NewMaskVolume(binary)
	res.Channels = volume.NewChannelVolume()
	res.Stats = maskchan.NewFileStats()
	var checker *maskchan.ConsistencyChecker
	if cfg.Loader.CheckConsistency {
		checker = maskchan.NewConsistencyChecker()
	}
	remask := maskchan.NewRemaskingSink(res.Masks, res.Tracker, res.Masks, volume.MaskByteWidth, binary)
	loader := maskchan.NewLoader(cfg.LoaderSettings(res.Stats, checker), remask, res.Channels)

	for _, frag := range loadOrder(res.Admitted) {
		if err := ctx.Err(); err != nil {
			loader.Close()
			return nil, err
		}
		if err := loader.Load(ctx, frag, src); err != nil {
			if !cfg.Loader.SkipFailed {
				loader.Close()
				return nil, fmt.Errorf("batch %s: %w", res.BatchID, err)
			}
			dvid.Errorf("Skipping %s: %v\n", frag, err)
			res.Failed[frag.Name] = err
			r.publish(map[string]interface{}{
				"batch":    res.BatchID,
				"action":   "fragment-failed",
				"fragment": frag.ID,
				"error":    err.Error(),
			})
			continue
		}
		res.Loaded = append(res.Loaded, frag)
		r.publish(map[string]interface{}{
			"batch":    res.BatchID,
			"action":   "fragment-loaded",
			"fragment": frag.ID,
			"name":     frag.Name,
			"voxels":   frag.VoxelCount(),
		})
	}
	if err := loader.Close(); err != nil {
		return nil, err
	}
	if checker != nil {
		res.Problems = checker.Problems()
	}

	for _, frag := range res.Loaded {
		stats := &storage.FragmentStats{
			Name:            frag.Name,
			VoxelCount:      frag.VoxelCount(),
			ChannelAverages: res.Stats.ChannelAverages(frag.ID),
			BatchID:         res.BatchID,
		}
		if err := store.Put(frag.ID, stats); err != nil {
			return nil, fmt.Errorf("unable to store stats for %s: %v", frag, err)
		}
	}

	if err := r.export(res); err != nil {
		return nil, err
	}
	res.Elapsed = time.Since(start)
	r.publish(map[string]interface{}{
		"batch":      res.BatchID,
		"action":     "batch-complete",
		"scene":      scene.Name,
		"admitted":   len(res.Admitted),
		"loaded":     len(res.Loaded),
		"failed":     len(res.Failed),
		"multimasks": res.Tracker.Len(),
		"elapsed_ms": res.Elapsed.Milliseconds(),
	})
	dvid.Infof("Finished %s: %s of mask and %s of channel volume\n", res,
		humanize.Bytes(uint64(len(res.Masks.Data()))), humanize.Bytes(uint64(len(res.Channels.Data()))))
	return res, nil
}

func (r *Runner) export(res *Result) error {
	ec := r.Config.Export
	compress, err := ec.Compress()
	if err != nil {
		return err
	}
	files := []struct {
		name string
		v    volume.Exportable
	}{
		{ec.MaskFile, res.Masks},
		{ec.ChannelFile, res.Channels},
	}
	for _, file := range files {
		if file.name == "" {
			continue
		}
		if err := exportFile(file.name, file.v, compress); err != nil {
			return fmt.Errorf("unable to export %s: %v", file.name, err)
		}
		dvid.Infof("Exported volume to %s with %s\n", file.name, compress)
	}
	return nil
}

func exportFile(filename string, v volume.Exportable, compress dvid.Compression) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := volume.Export(f, v, compress); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
