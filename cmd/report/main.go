package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/PatchLens/go-trace-lens/lens"
)

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC)

	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
	}
}

type reportOptions struct {
	archiveDir string
	cacheMB    int
	verbose    bool
}

func (o *reportOptions) open() (*lens.Archive, error) {
	if o.archiveDir == "" {
		return nil, errors.New("archive directory is required (--archive)")
	}
	return lens.OpenArchive(o.archiveDir, o.cacheMB, o.verbose)
}

// withArchive opens the archive for the duration of fn.
func (o *reportOptions) withArchive(fn func(*lens.Archive) error) error {
	archive, err := o.open()
	if err != nil {
		return err
	}
	return errors.Join(fn(archive), archive.Close())
}

func newRootCmd() *cobra.Command {
	opts := &reportOptions{}
	root := &cobra.Command{
		Use:           "report",
		Short:         "Render recorded trace events and browse archived runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.archiveDir, "archive", os.Getenv("LENSTRACE_ARCHIVE"), "Directory of the run archive")
	root.PersistentFlags().IntVar(&opts.cacheMB, "cachemb", lens.DefaultCacheMB, "Archive cache memory budget in MB")
	root.PersistentFlags().BoolVar(&opts.verbose, "debug", false, "Log archive storage diagnostics")

	root.AddCommand(
		newChartsCmd(opts),
		newTextCmd(),
		newRunsCmd(opts),
		newShowCmd(opts),
		newDiffCmd(opts),
		newWhereCmd(opts),
		newDeleteCmd(opts),
	)
	return root
}

func newChartsCmd(opts *reportOptions) *cobra.Command {
	var jsonFile, runID, output, root, title string
	c := &cobra.Command{
		Use:   "charts",
		Short: "Render the probe overview image from an events file or an archived run",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			var events []lens.Event
			switch {
			case jsonFile != "" && runID != "":
				return errors.New("--json and --run are mutually exclusive")
			case runID != "":
				err := opts.withArchive(func(archive *lens.Archive) error {
					rec, err := archive.Load(runID)
					if err != nil {
						return err
					}
					events = rec.Events
					if root == "" {
						root = rec.ProjectDir
					}
					if title == "" {
						title = filepath.Base(rec.ProjectDir) + " " + rec.StartTime.Format(time.DateTime)
					}
					return nil
				})
				if err != nil {
					return err
				}
			default:
				var err error
				if events, err = lens.ReadEventsJSON(jsonFile); err != nil {
					return fmt.Errorf("failed to read events: %w", err)
				}
			}
			if title == "" {
				title = "Trace Lens"
			}
			if err := lens.WriteChartsReport(output, title, root, events); err != nil {
				return fmt.Errorf("failed to render charts: %w", err)
			}
			log.Println("Report file wrote: " + output)
			return nil
		},
	}
	c.Flags().StringVar(&jsonFile, "json", "lenstrace.json", "Events file to render")
	c.Flags().StringVar(&runID, "run", "", "Archived run to render instead of an events file")
	c.Flags().StringVarP(&output, "output", "o", "lenstrace.png", "Image file (.png, .jpg, .svg) to write")
	c.Flags().StringVar(&root, "root", "", "Directory probe paths are shown relative to")
	c.Flags().StringVar(&title, "title", "", "Chart title")
	return c
}

func newTextCmd() *cobra.Command {
	var root string
	var ranges []string
	c := &cobra.Command{
		Use:   "text EVENTS_JSON",
		Short: "Render an events file beneath the current sources",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			events, err := lens.ReadEventsJSON(args[0])
			if err != nil {
				return err
			}
			fileRanges, err := lens.ParseRangeSpecs(root, ranges)
			if err != nil {
				return err
			}
			out := c.OutOrStdout()
			renderer := &lens.TextRenderer{Color: lens.IsTerminalWriter(out), Root: root, Ranges: fileRanges}
			return renderer.Render(out, events)
		},
	}
	c.Flags().StringVar(&root, "root", "", "Directory paths are shown relative to and range files resolved against")
	c.Flags().StringArrayVarP(&ranges, "range", "r", nil, "Show only FILE[:LINES] (repeatable)")
	return c
}

func newRunsCmd(opts *reportOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List archived runs",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return opts.withArchive(func(archive *lens.Archive) error {
				runs, err := archive.Runs()
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(c.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tMODE\tPROBES\tEVENTS\tEXIT\tCOMMAND")
				for _, rec := range runs {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
						rec.ID[:min(8, len(rec.ID))], rec.StartTime.Local().Format(time.DateTime),
						rec.Duration.Round(time.Millisecond), rec.Mode, rec.ProbeCount, rec.EventCount,
						rec.ExitCode, rec.Command)
				}
				return tw.Flush()
			})
		},
	}
}

func newShowCmd(opts *reportOptions) *cobra.Command {
	var output bool
	c := &cobra.Command{
		Use:   "show RUN",
		Short: "Render an archived run against the sources captured with it",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return opts.withArchive(func(archive *lens.Archive) error {
				rec, err := archive.Load(args[0])
				if err != nil {
					return err
				}
				text, err := lens.RenderRun(rec, lens.IsTerminalWriter(c.OutOrStdout()))
				if err != nil {
					return err
				}
				w := c.OutOrStdout()
				_, _ = fmt.Fprintf(w, "run %s, %s, mode %s, exit %d\n%s\n\n",
					rec.ID, rec.StartTime.Local().Format(time.DateTime), rec.Mode, rec.ExitCode, rec.Command)
				_, err = fmt.Fprint(w, text)
				if err == nil && output && rec.OutputTail != "" {
					_, err = fmt.Fprintf(w, "\n--- command output ---\n%s\n", rec.OutputTail)
				}
				return err
			})
		},
	}
	c.Flags().BoolVar(&output, "output", false, "Include the tail of the command output")
	return c
}

func newDiffCmd(opts *reportOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diff RUN_A RUN_B",
		Short: "Show how the recorded values changed between two archived runs",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			return opts.withArchive(func(archive *lens.Archive) error {
				a, err := archive.Load(args[0])
				if err != nil {
					return err
				}
				b, err := archive.Load(args[1])
				if err != nil {
					return err
				}
				diff, err := lens.DiffRuns(a, b)
				if err != nil {
					return err
				} else if diff == "" {
					log.Printf("Runs %s and %s recorded identical values", a.ID, b.ID)
					return nil
				}
				_, err = fmt.Fprint(c.OutOrStdout(), diff)
				return err
			})
		},
	}
}

func newWhereCmd(opts *reportOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "where FILE:LINE:COL-LINE:COL",
		Short: "List the archived runs which recorded a value at a location",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			key, err := lens.ParseLocationKey(args[0])
			if err != nil {
				return err
			}
			return opts.withArchive(func(archive *lens.Archive) error {
				ids, err := archive.RunsRecording(key)
				if err != nil {
					return err
				}
				for _, id := range ids {
					_, _ = fmt.Fprintln(c.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
}

func newDeleteCmd(opts *reportOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete RUN...",
		Short: "Remove archived runs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return opts.withArchive(func(archive *lens.Archive) error {
				for _, id := range args {
					if err := archive.Delete(id); err != nil {
						return err
					}
					log.Printf("Deleted run %s", id)
				}
				return nil
			})
		},
	}
}
