package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/PatchLens/go-trace-lens/lens"
	"github.com/PatchLens/go-trace-lens/lens/cmd"
)

func main() {
	log.SetFlags(log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	exitCode, err := newRootCmd().execute(ctx)
	stop()
	if err != nil {
		log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
	}
	os.Exit(exitCode)
}

type rootCmd struct {
	*cobra.Command
	exitCode int
}

func (r *rootCmd) execute(ctx context.Context) (int, error) {
	err := r.ExecuteContext(ctx)
	return r.exitCode, err
}

func newRootCmd() *rootCmd {
	root := &rootCmd{}
	root.Command = &cobra.Command{
		Use:   "tracelens",
		Short: "Record the values of Go expressions while a command runs against the module",
		Long: "tracelens instruments the selected Go sources of a module, runs a command (by default the tests),\n" +
			"and reports the values each expression produced. Sources are restored once the command exits.\n\n" +
			"Results are written when main returns or TestMain completes, a program ending through os.Exit\n" +
			"elsewhere records nothing.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	traceFlags := cmd.BindTraceFlags(root.Flags())
	root.RunE = func(c *cobra.Command, args []string) error {
		if len(args) > 0 {
			return fmt.Errorf("unexpected arguments: %v, the traced command is set with --command", args)
		}
		config, err := traceFlags.Config(os.Getenv)
		if err != nil {
			return err
		}
		result, err := lens.NewTraceEngine(config).Run(c.Context())
		if err != nil {
			return err
		}
		root.exitCode = result.ExitCode
		return nil
	}

	root.AddCommand(newInstrumentCmd(), newMergeCmd(), newRestoreCmd())
	return root
}

func newInstrumentCmd() *cobra.Command {
	var mode string
	var maxSamples int
	var ranges []string
	c := &cobra.Command{
		Use:   "instrument FILE",
		Short: "Print the instrumented source of a file without modifying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			collectMode, err := lens.ParseCollectMode(mode)
			if err != nil {
				return err
			}
			moduleRoot, err := lens.FindModuleRoot(filepath.Dir(path))
			if err != nil {
				return err
			}
			var fileRanges lens.FileRanges
			if len(ranges) > 0 {
				specs := make([]string, len(ranges))
				for i, r := range ranges {
					specs[i] = path + ":" + r
				}
				if fileRanges, err = lens.ParseRangeSpecs("", specs); err != nil {
					return err
				}
			}

			instrumenter, err := lens.NewInstrumenter(lens.NewRegistry(), moduleRoot, lens.InstrumentOptions{
				Mode:       collectMode,
				MaxSamples: maxSamples,
				Ranges:     fileRanges,
			})
			if err != nil {
				return err
			}
			pkgs, err := lens.LoadPackages(filepath.Dir(path), ".")
			if err != nil {
				return err
			}
			for _, sf := range lens.CollectSourceFiles(pkgs, filepath.Dir(path)) {
				if sf.Path != path {
					continue
				}
				probes, err := instrumenter.PlanFile(sf)
				if err != nil {
					return err
				}
				src, ok, err := instrumenter.Rewritten(path)
				if err != nil {
					return err
				} else if !ok {
					src, err = os.ReadFile(path)
					if err != nil {
						return err
					}
				}
				log.Printf("%d probes planned in %s", probes, path)
				_, err = c.OutOrStdout().Write(src)
				return err
			}
			return fmt.Errorf("%s is not part of a loaded package", path)
		},
	}
	c.Flags().StringVarP(&mode, "mode", "m", "history", "Recording mode: last, types, history")
	c.Flags().IntVar(&maxSamples, "max", lens.DefaultMaxSamples, "Values retained per location in history mode")
	c.Flags().StringArrayVarP(&ranges, "lines", "l", nil, "Restrict probes to LINES like 10-20,33 (repeatable)")
	return c
}

func newMergeCmd() *cobra.Command {
	var maxSamples int
	var output string
	c := &cobra.Command{
		Use:   "merge INPUT...",
		Short: "Merge event JSON files recorded by separate runs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			if maxSamples < 1 {
				return fmt.Errorf("max samples must be positive, got %d", maxSamples)
			}
			lists := make([][]lens.Event, 0, len(args))
			for _, path := range args {
				events, err := lens.ReadEventsJSON(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				lists = append(lists, events)
			}
			merged := lens.MergeEvents(lists, maxSamples)
			if output == "" {
				return errors.New("output file is required")
			} else if err := lens.WriteEventsJSON(output, merged); err != nil {
				return err
			}
			log.Printf("Merged %d files into %d events: %s", len(args), len(merged), output)
			return nil
		},
	}
	c.Flags().IntVar(&maxSamples, "max", lens.DefaultMaxSamples, "Values retained per location when histories are combined")
	c.Flags().StringVarP(&output, "output", "o", "merged.json", "File to write the merged events to")
	return c
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore [DIR]",
		Short: "Revert instrumentation left behind by an interrupted run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			root, err := lens.FindModuleRoot(dir)
			if err != nil {
				return err
			}
			restored, err := lens.RestoreLeftovers(c.Context(), root)
			for _, path := range restored {
				_, _ = fmt.Fprintln(c.OutOrStdout(), path)
			}
			if err != nil {
				return err
			}
			log.Printf("Restored %d files in %s", len(restored), root)
			return nil
		},
	}
}
