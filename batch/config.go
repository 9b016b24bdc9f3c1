package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/janelia-flyem/maskchan/dvid"
	"github.com/janelia-flyem/maskchan/maskchan"
	"github.com/janelia-flyem/maskchan/storage"
)

// Config is a batch configuration read from a TOML file.
type Config struct {
	Loader   LoaderConfig
	Filter   FilterConfig
	Store    storage.StoreConfig
	Resolver storage.ResolverConfig
	Kafka    storage.KafkaConfig
	Logging  dvid.LogConfig
	Export   ExportConfig

	location string
}

// LoaderConfig is the [loader] section.
type LoaderConfig struct {
	Segments         int
	PoolSize         int `toml:"pool_size"`
	Timeout          int // seconds per fragment
	Divisibility     int64
	IntensityDivisor int  `toml:"intensity_divisor"`
	DimDivisor       int  `toml:"dim_divisor"` // compartment divisor in writeback mode
	CheckConsistency bool `toml:"check_consistency"`
	SkipFailed       bool `toml:"skip_failed"`
	Writeback        bool
}

// TimeoutDuration returns the per-fragment timeout.
func (lc LoaderConfig) TimeoutDuration() time.Duration {
	return time.Duration(lc.Timeout) * time.Second
}

// FilterConfig is the [filter] section.
type FilterConfig struct {
	MinVoxels   int64 `toml:"min_voxels"`
	MaxPerGroup int   `toml:"max_per_group"` // negative or absent for no cap
}

// ExportConfig is the [export] section.  Empty file names skip that export.
type ExportConfig struct {
	MaskFile    string `toml:"mask_file"`
	ChannelFile string `toml:"channel_file"`
	Compression string
	Binary      bool
}

// Compress returns the parsed export compression.
func (ec ExportConfig) Compress() (dvid.Compression, error) {
	return dvid.ParseCompression(ec.Compression)
}

// Location returns the path of the TOML file or "" if decoded from a string.
func (c *Config) Location() string {
	return c.location
}

// LoadConfig reads a TOML batch configuration.  Relative paths are taken
// relative to the directory of the file.
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("no config filename given")
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(filename)
	if err != nil {
		return nil, err
	}
	c, err := DecodeConfig(string(data), filepath.Dir(abs))
	if err != nil {
		return nil, err
	}
	c.location = abs
	return c, nil
}

// DecodeConfig parses TOML configuration text, resolving relative paths
// against configDir.
func DecodeConfig(data, configDir string) (*Config, error) {
	var c Config
	md, err := toml.Decode(data, &c)
	if err != nil {
		return nil, fmt.Errorf("could not decode TOML config: %v", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		dvid.Warningf("Ignoring unknown config keys: %v\n", undecoded)
	}
	if !md.IsDefined("filter", "max_per_group") {
		c.Filter.MaxPerGroup = maskchan.Unlimited
	}
	if err := c.fillDefaults(); err != nil {
		return nil, err
	}
	if err := c.convertPathsToAbsolute(configDir); err != nil {
		return nil, fmt.Errorf("could not convert relative paths to absolute paths in TOML config: %v", err)
	}
	return &c, nil
}

func (c *Config) fillDefaults() error {
	lc := &c.Loader
	if lc.Segments <= 0 {
		lc.Segments = maskchan.DefaultSegments
	}
	if lc.PoolSize <= 0 {
		lc.PoolSize = dvid.NumCPU
	}
	if lc.Timeout <= 0 {
		lc.Timeout = int(maskchan.DefaultLoadTimeout / time.Second)
	}
	if lc.Divisibility <= 0 {
		lc.Divisibility = maskchan.DefaultDivisibility
	}
	if lc.IntensityDivisor <= 0 {
		lc.IntensityDivisor = 1
	}
	if lc.DimDivisor <= 0 {
		lc.DimDivisor = lc.IntensityDivisor
	}
	if c.Filter.MinVoxels < 0 {
		return fmt.Errorf("[filter] min_voxels must not be negative, got %d", c.Filter.MinVoxels)
	}
	if c.Filter.MaxPerGroup < 0 {
		c.Filter.MaxPerGroup = maskchan.Unlimited
	}
	if c.Resolver.Bucket != "" && c.Resolver.CacheDir == "" {
		return fmt.Errorf("[resolver] cache_dir is required with a bucket")
	}
	if _, err := c.Export.Compress(); err != nil {
		return fmt.Errorf("[export] %v", err)
	}
	return nil
}

func (c *Config) convertPathsToAbsolute(configDir string) error {
	paths := []struct {
		name string
		p    *string
	}{
		{"[store] path", &c.Store.Path},
		{"[resolver] root", &c.Resolver.Root},
		{"[resolver] cache_dir", &c.Resolver.CacheDir},
		{"[logging] logfile", &c.Logging.Logfile},
		{"[export] mask_file", &c.Export.MaskFile},
		{"[export] channel_file", &c.Export.ChannelFile},
	}
	for _, path := range paths {
		if *path.p == "" {
			continue
		}
		abs, err := dvid.ConvertToAbsolute(*path.p, configDir)
		if err != nil {
			return fmt.Errorf("error converting %s to absolute path: %v", path.name, err)
		}
		*path.p = abs
	}
	return nil
}

// LoaderSettings returns the segmented loader settings for this batch.
func (c *Config) LoaderSettings(stats maskchan.StatsRecorder, checker *maskchan.ConsistencyChecker) maskchan.LoaderConfig {
	lc := maskchan.LoaderConfig{
		Segments:           c.Loader.Segments,
		PoolSize:           c.Loader.PoolSize,
		Timeout:            c.Loader.TimeoutDuration(),
		Divisibility:       c.Loader.Divisibility,
		IntensityDivisor:   c.Loader.IntensityDivisor,
		CompartmentDivisor: c.Loader.IntensityDivisor,
		Stats:              stats,
		Checker:            checker,
	}
	if c.Loader.Writeback {
		lc.Divisibility = 1
		lc.CompartmentDivisor = c.Loader.DimDivisor
		lc.Checker = nil
	}
	return lc
}

// BinaryMasks returns true if mask volumes record presence only.
func (c *Config) BinaryMasks() bool {
	return c.Export.Binary || c.Loader.Writeback
}
