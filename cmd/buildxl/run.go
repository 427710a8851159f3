package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	topcmd "github.com/buildxl-go/buildxl/cmd"
	"github.com/buildxl-go/buildxl/pkg/buildcontext"
	"github.com/buildxl-go/buildxl/pkg/cas"
	"github.com/buildxl-go/buildxl/pkg/encoding"
	"github.com/buildxl-go/buildxl/pkg/eventlog"
	"github.com/buildxl-go/buildxl/pkg/executor"
	"github.com/buildxl-go/buildxl/pkg/filecontent"
	"github.com/buildxl-go/buildxl/pkg/graph"
	"github.com/buildxl-go/buildxl/pkg/ipc"
	"github.com/buildxl-go/buildxl/pkg/logging"
	"github.com/buildxl-go/buildxl/pkg/tpfs"
)

func runMain(command *cobra.Command, arguments []string) error {
	if len(arguments) != 1 {
		return errors.New("a single manifest path must be specified")
	}
	manifestPath := arguments[0]

	level, ok := logging.NameToLevel(runConfiguration.logLevel)
	if !ok {
		return fmt.Errorf("invalid log level %q", runConfiguration.logLevel)
	}
	logger := logging.NewLogger(level, os.Stderr)

	var loaded manifest
	if err := encoding.LoadAndUnmarshalYAML(manifestPath, &loaded); err != nil {
		return errors.Wrap(err, "unable to load manifest")
	}

	pips, err := loaded.toPips()
	if err != nil {
		return errors.Wrap(err, "invalid manifest")
	}
	buildGraph, err := graph.NewStaticGraph(pips)
	if err != nil {
		return errors.Wrap(err, "invalid pip graph")
	}
	mountTable := graph.NewStaticMountTable(loaded.toMounts())

	order, err := topologicalOrder(buildGraph)
	if err != nil {
		return errors.Wrap(err, "unable to schedule pips")
	}

	cacheRoot := runConfiguration.cacheRoot
	if cacheRoot == "" {
		cacheRoot = filepath.Join(os.TempDir(), "buildxl-cache")
	}

	safety, ok := parseSandboxSafety(runConfiguration.sandboxSafety)
	if !ok {
		return fmt.Errorf("invalid sandbox safety level %q", runConfiguration.sandboxSafety)
	}

	buildCtx, err := buildcontext.New(cacheRoot, runConfiguration.preserveOutputs, safety, logger)
	if err != nil {
		return errors.Wrap(err, "unable to construct build context")
	}

	casStore := cas.New(filepath.Join(cacheRoot, "content"), nil, logger)
	if err := casStore.Initialize(); err != nil {
		return errors.Wrap(err, "unable to initialize content-addressed store")
	}
	tpfsStore := tpfs.New(filepath.Join(cacheRoot, "fp"), logger)
	fileContent := filecontent.New(logger)

	var ipcProvider executor.IPCProvider
	if runConfiguration.enableIPC {
		ipcProvider = ipc.NewProvider(logger)
	}

	exec := executor.New(casStore, tpfsStore, fileContent, buildCtx, ipcProvider, mountTable)

	logFile, err := os.Create(runConfiguration.eventLogPath)
	if err != nil {
		return errors.Wrap(err, "unable to create execution log")
	}
	defer logFile.Close()
	eventWriter, err := eventlog.NewWriter(logFile)
	if err != nil {
		return errors.Wrap(err, "unable to initialize execution log")
	}

	ctx := context.Background()
	for _, id := range order {
		p, _ := buildGraph.Lookup(id)

		if err := eventWriter.WriteStateTransition(id, executor.Waiting.String(), executor.CacheCheck.String()); err != nil {
			logger.Warnf("unable to write execution log record: %v", err)
		}

		result, err := exec.Execute(ctx, p)
		if err != nil {
			return fmt.Errorf("pip %d (%s) failed to execute: %w", id, p.Kind(), err)
		}

		if logErr := eventWriter.WriteStateTransition(id, executor.CacheCheck.String(), executor.Done.String()); logErr != nil {
			logger.Warnf("unable to write execution log record: %v", logErr)
		}

		if result.Outcome == executor.Failed {
			return fmt.Errorf("pip %d (%s) failed: %v", id, p.Kind(), result.Err)
		}
		fmt.Printf("pip %d (%s): %s\n", id, p.Kind(), result.Outcome)
		for _, warning := range result.Warnings {
			topcmd.Warning(warning)
		}
	}

	fmt.Printf("build succeeded: %d pips executed\n", len(order))
	return nil
}

func parseSandboxSafety(value string) (buildcontext.SandboxSafety, bool) {
	switch value {
	case "unsafe":
		return buildcontext.SandboxUnsafe, true
	case "", "monitored":
		return buildcontext.SandboxMonitored, true
	case "enforced":
		return buildcontext.SandboxEnforced, true
	default:
		return 0, false
	}
}

var runConfiguration struct {
	cacheRoot        string
	eventLogPath     string
	logLevel         string
	sandboxSafety    string
	preserveOutputs  bool
	enableIPC        bool
	help             bool
}

var runCommand = &cobra.Command{
	Use:   "run <manifest>",
	Short: "Execute the pips described by a manifest file",
	Run:   topcmd.Mainify(runMain),
}

func init() {
	flags := runCommand.Flags()
	flags.SortFlags = false

	flags.StringVar(&runConfiguration.cacheRoot, "cache", "", "Path to the persisted cache root (defaults to a temporary directory)")
	flags.StringVar(&runConfiguration.eventLogPath, "event-log", "buildxl.eventlog", "Path at which to write the binary execution log")
	flags.StringVar(&runConfiguration.logLevel, "log-level", "info", "Log level (disabled, error, warn, info, debug, trace)")
	flags.StringVar(&runConfiguration.sandboxSafety, "sandbox-safety", "monitored", "Sandbox safety level (unsafe, monitored, enforced)")
	flags.BoolVar(&runConfiguration.preserveOutputs, "preserve-outputs", false, "Allow prior outputs to remain on disk as execution inputs")
	flags.BoolVar(&runConfiguration.enableIPC, "enable-ipc", false, "Allow Ipc pips to dial out to external collaborator processes")

	flags.BoolVarP(&runConfiguration.help, "help", "h", false, "Show help information")
}
