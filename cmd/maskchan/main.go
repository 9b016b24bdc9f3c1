// Command-line interface for merging mask/chan fragment files into shared
// volumes.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/blang/semver"
	"github.com/dustin/go-humanize"

	"github.com/janelia-flyem/maskchan/batch"
	"github.com/janelia-flyem/maskchan/dvid"
	"github.com/janelia-flyem/maskchan/maskchan"
	"github.com/janelia-flyem/maskchan/volume"
)

// Version is the maskchan release.
var Version = semver.MustParse("0.9.0")

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// Number of logical CPUs to use.
	useCPU = flag.Int("numcpu", 0, "")
)

const helpMessage = `
maskchan merges mask and channel fragment files into shared label and RGBA volumes

Usage: maskchan [options] <command>

      -numcpu     =number   Number of logical CPUs to use.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

Commands:

	about
	help
	count <mask file> [<mask file> ...]
	load  <config.toml> <scene.json> [skip_failed=true] [compression=zstd]
`

var usage = func() {
	fmt.Print(helpMessage)
}

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() >= 1 && strings.ToLower(flag.Args()[0]) == "help" {
		*showHelp = true
	}
	if *runVerbose {
		dvid.Verbose = true
		dvid.SetLogMode(dvid.DebugMode)
	}
	if *showHelp || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}

	if *useCPU != 0 {
		dvid.NumCPU = *useCPU
	}
	runtime.GOMAXPROCS(dvid.NumCPU)

	// Capture ctrl+c and other interrupts and cancel any running batch.
	ctx, cancel := context.WithCancel(context.Background())
	stopSig := make(chan os.Signal, 1)
	go func() {
		sig := <-stopSig
		log.Printf("Stop signal captured: %q.  Shutting down...\n", sig)
		cancel()
	}()
	signal.Notify(stopSig, os.Interrupt, syscall.SIGTERM)

	command := dvid.Command(flag.Args())
	err := DoCommand(ctx, command)
	cancel()
	dvid.Shutdown()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// DoCommand serves as a switchboard for commands.
func DoCommand(ctx context.Context, cmd dvid.Command) error {
	if len(cmd) == 0 {
		return fmt.Errorf("Blank command!")
	}
	switch cmd.Name() {
	case "about":
		fmt.Printf("maskchan %s, volume export format %s, %d CPUs\n", Version, volume.FormatVersion, dvid.NumCPU)
		return nil
	case "count":
		return DoCount(cmd)
	case "load":
		return DoLoad(ctx, cmd)
	default:
		return fmt.Errorf("Unknown command: %q", cmd.Name())
	}
}

// DoCount prints the voxel counts in mask file headers.
func DoCount(cmd dvid.Command) error {
	files := cmd.Arguments()
	if len(files) == 0 {
		return fmt.Errorf("count command needs at least one mask file")
	}
	var total int64
	for _, filename := range files {
		f, err := os.Open(filename)
		if err != nil {
			return err
		}
		n, err := maskchan.CountVoxels(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %v", filename, err)
		}
		fmt.Printf("%s\t%s voxels\n", filename, humanize.Comma(n))
		total += n
	}
	if len(files) > 1 {
		fmt.Printf("total\t%s voxels\n", humanize.Comma(total))
	}
	return nil
}

// DoLoad runs a batch described by a TOML config over a JSON scene.
func DoLoad(ctx context.Context, cmd dvid.Command) error {
	configPath := cmd.Argument(1)
	scenePath := cmd.Argument(2)
	if configPath == "" || scenePath == "" {
		return fmt.Errorf("load command must be followed by a config file and a scene file")
	}
	config, err := batch.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if value, found := cmd.Parameter("skip_failed"); found {
		if config.Loader.SkipFailed, err = strconv.ParseBool(value); err != nil {
			return fmt.Errorf("bad skip_failed setting %q: %v", value, err)
		}
	}
	if value, found := cmd.Parameter("compression"); found {
		config.Export.Compression = value
		if _, err := config.Export.Compress(); err != nil {
			return err
		}
	}
	config.Logging.SetLogger()

	scene, err := batch.LoadScene(scenePath)
	if err != nil {
		return err
	}
	runner, err := batch.NewRunner(config)
	if err != nil {
		return err
	}
	defer runner.Close()

	res, err := runner.Run(ctx, scene)
	if err != nil {
		return err
	}
	fmt.Println(res)
	for name, ferr := range res.Failed {
		fmt.Printf("  failed %s: %v\n", name, ferr)
	}
	for _, problem := range res.Problems {
		fmt.Printf("  inconsistent: %s\n", problem)
	}
	return nil
}
