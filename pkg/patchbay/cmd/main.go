package main

import (
	"flag"
	"fmt"

	"github.com/MixyLabs/patchbay/pkg/patchbay"
	"github.com/MixyLabs/patchbay/pkg/patchbay/util"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose bool
)

func init() {
	flag.BoolVar(&verbose, "verbose", false, "show verbose logs (useful for debugging routing)")
	flag.BoolVar(&verbose, "v", false, "shorthand for --verbose")
	flag.Parse()
}

func main() {
	logger, err := patchbay.NewLogger(buildType)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	if err := util.CreateMutex("patchbay"); err != nil {
		named.Fatalw("Another patchbay instance seems to be running", "error", err)
	}

	d, err := patchbay.NewPatchbay(logger, verbose)
	if err != nil {
		named.Fatalw("Failed to create patchbay object", "error", err)
	}

	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}

		versionString := fmt.Sprintf("Version %s-%s", buildType, identifier)
		d.SetVersion(versionString)
	}

	if err = d.Initialize(); err != nil {
		named.Fatalw("Failed to initialize patchbay", "error", err)
	}
}
