package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/soundctl/audiorouter/pkg/router"
	"github.com/soundctl/audiorouter/pkg/router/util"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose bool
)

func init() {
	flag.BoolVar(&verbose, "verbose", false, "show verbose logs (useful for debugging)")
	flag.BoolVar(&verbose, "v", false, "shorthand for --verbose")
	flag.Parse()
}

func main() {

	// first we need a logger
	logger, err := router.NewLogger(verbose)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	// second instances are harmful; two routers fighting over the system
	// output would flap it back and forth
	if util.AnotherInstanceRunning(named) {
		named.Warn("Another instance already running, exiting")
		os.Exit(1)
	}

	// create the router instance
	r, err := router.NewRouter(logger, verbose)
	if err != nil {
		named.Fatalw("Failed to create router object", "error", err)
	}
	named.Debug("Created router instance")

	// if injected with version info, set it up
	if versionTag != "" {
		versionString := fmt.Sprintf("Version %s", versionTag)
		r.SetVersion(versionString)
	}

	// onwards, to glory
	if err = r.Initialize(); err != nil {
		named.Fatalw("Failed to initialize router", "error", err)
	}
}
