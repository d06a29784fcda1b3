// carla-syncer aligns heterogeneous simulator sensor streams into
// synchronized multi-sensor frames.
//
// Commands:
//
//	run       start the pipeline with the configured (or mock) sensors
//	replay    feed a recorded packet list through the pipeline
//	validate  check a configuration file and exit
//	info      print the effective configuration
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/banshee-data/carla-syncer/internal/version"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: carla-syncer <command> [flags]

commands:
  run        start the sync pipeline (mock sensors unless configured otherwise)
  replay     replay a recorded packet list deterministically
  validate   validate a config file
  info       print the effective configuration

run 'carla-syncer <command> -h' for command flags
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(os.Args[2:])
	case "replay":
		err = cmdReplay(os.Args[2:])
	case "validate":
		err = cmdValidate(os.Args[2:])
	case "info":
		err = cmdInfo(os.Args[2:])
	case "version":
		fmt.Println("carla-syncer " + version.String())
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "carla-syncer %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

// newFlagSet builds a flag set with the shared config flag.
func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "syncer.json", "Path to the configuration file")
	return fs, configPath
}
