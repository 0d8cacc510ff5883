package lens

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

const (
	DefaultCommand    = "go test -vet=off -count=1 ./..."
	DefaultMaxSamples = 3
	DefaultGitContext = 3
	DefaultCacheMB    = 64

	// TextOutputStdout directs the text rendering to stdout.
	TextOutputStdout = "-"

	archiveOutputLines = 200
)

// Config holds settings and state for a TraceEngine.
type Config struct {
	ProjectDir, Root, Mode, Command                  string
	MaxSamples, GitDiffContext, Verbose, CacheMB     int
	RangeSpecs                                       []string
	GitDiffMode, GitCmd                              string
	GitDiffNoUntracked, TmpCopy                      bool
	TextOutput, JsonOutput, ChartsOutput, ArchiveDir string
	// Computed fields
	AbsProjDir, ModuleRoot, AbsRoot string
	CollectMode                     CollectMode
	Ranges                          FileRanges
	// Internal state tracking
	prepared bool
}

// ParseCollectMode parses a mode name, an empty name selects history.
func ParseCollectMode(name string) (CollectMode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "last":
		return CollectLast, nil
	case "types":
		return CollectTypes, nil
	case "history", "":
		return CollectHistory, nil
	}
	return 0, fmt.Errorf("invalid mode '%s', must be one of: last, types, history", name)
}

func (m CollectMode) String() string {
	switch m {
	case CollectLast:
		return "last"
	case CollectTypes:
		return "types"
	case CollectHistory:
		return "history"
	}
	return "mode(" + fmt.Sprint(int(m)) + ")"
}

// Prepare validates the configuration and resolves the computed fields.
func (c *Config) Prepare() error {
	if c.prepared {
		return errors.New("config has already been prepared")
	} else if c.ProjectDir == "" {
		return errors.New("project directory is required")
	}

	absProjDir, err := filepath.Abs(c.ProjectDir)
	if err != nil {
		return fmt.Errorf("error resolving project directory: %w", err)
	} else if info, err := os.Stat(absProjDir); err != nil {
		return fmt.Errorf("project directory not accessible: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("project path is not a directory: %s", absProjDir)
	}
	c.AbsProjDir = absProjDir
	if c.ModuleRoot, err = FindModuleRoot(absProjDir); err != nil {
		return err
	}
	c.AbsRoot = c.ModuleRoot
	if c.Root != "" {
		if c.AbsRoot, err = filepath.Abs(c.Root); err != nil {
			return fmt.Errorf("error resolving root: %w", err)
		}
	}

	if c.CollectMode, err = ParseCollectMode(c.Mode); err != nil {
		return err
	} else if c.MaxSamples == 0 {
		c.MaxSamples = DefaultMaxSamples
	}
	if c.MaxSamples < 1 || c.MaxSamples > 100000 {
		return fmt.Errorf("max samples must be between 1 and 100000, got %d", c.MaxSamples)
	} else if c.GitDiffContext < 0 || c.GitDiffContext > 10000 {
		return fmt.Errorf("git diff context must be between 0 and 10000, got %d", c.GitDiffContext)
	} else if c.Verbose < 0 || c.Verbose > 3 {
		return fmt.Errorf("verbose must be between 0 and 3, got %d", c.Verbose)
	}
	if c.CacheMB == 0 {
		c.CacheMB = DefaultCacheMB
	} else if c.CacheMB < 1 || c.CacheMB > 10240 { // 10GB limit
		return fmt.Errorf("cache size must be between 1 and 10240 MB, got %d", c.CacheMB)
	}
	if strings.TrimSpace(c.Command) == "" {
		c.Command = DefaultCommand
	}

	if c.Ranges, err = ParseRangeSpecs(c.AbsProjDir, c.RangeSpecs); err != nil {
		return err
	} else if c.GitDiffMode != "" {
		if err := ValidateGitDiffMode(c.GitDiffMode); err != nil {
			return err
		}
	}

	for _, out := range []struct{ name, path string }{
		{"text", c.TextOutput}, {"JSON", c.JsonOutput}, {"charts", c.ChartsOutput},
	} {
		if out.path == "" || out.path == TextOutputStdout {
			continue
		} else if err := validateOutputPath(out.path); err != nil {
			return fmt.Errorf("invalid %s output path: %w", out.name, err)
		}
	}
	if c.ChartsOutput != "" {
		switch strings.ToLower(filepath.Ext(c.ChartsOutput)) {
		case ".png", ".jpg", ".jpeg", ".svg":
		default:
			return fmt.Errorf("charts output must be a .png, .jpg, or .svg file: %s", c.ChartsOutput)
		}
	}

	c.prepared = true
	return nil
}

// logVerbose logs when the configured verbosity is at least level.
func (c *Config) logVerbose(level int, format string, args ...any) {
	if c.Verbose >= level {
		log.Printf(format, args...)
	}
}

// validateOutputPath validates that an output file path can be written to
func validateOutputPath(path string) error {
	dir := filepath.Dir(path)

	// Check if directory exists, if not try to create it
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("cannot create output directory '%s': %w", dir, err)
		}
	}

	// Check if we can write to the directory
	testFile := filepath.Join(dir, ".write_test")
	file, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("cannot write to output directory '%s': %w", dir, err)
	}
	_ = file.Close()
	return os.Remove(testFile)
}

// RunResult summarizes a completed trace run.
type RunResult struct {
	Events     []Event
	Probes     int
	ExitCode   int
	OutputTail string // last lines of the command output
	RunID      string // set when archived
}

// TraceEngine instruments a module, runs a command against it, and collects the recorded events.
type TraceEngine struct {
	Config *Config
}

// NewTraceEngine creates a TraceEngine for config.
func NewTraceEngine(config *Config) *TraceEngine {
	return &TraceEngine{Config: config}
}

// workspace is where instrumentation happens, either the project itself or a temporary copy.
type workspace struct {
	moduleRoot, projectDir, root string
	ranges                       FileRanges
	label                        func(string) string
	cleanup                      func()
}

// Run executes the trace workflow. A failing command is not an error, its exit code is reported in the result.
func (e *TraceEngine) Run(ctx context.Context) (*RunResult, error) {
	startTime := time.Now()
	cfg := e.Config
	if !cfg.prepared {
		if err := cfg.Prepare(); err != nil {
			return nil, err
		}
	}

	ranges, err := e.resolveRanges()
	if err != nil {
		return nil, err
	} else if ranges != nil && len(ranges) == 0 {
		log.Printf("No lines selected for tracing, exiting")
		return &RunResult{Events: []Event{}}, nil
	}
	cfg.logVerbose(1, "Mode: %s, max samples: %d, command: %s", cfg.CollectMode, cfg.MaxSamples, cfg.Command)
	if ranges != nil {
		cfg.logVerbose(1, "Selected %d lines across %d files: %s", ranges.LineCount(), len(ranges), SerializeRangeSpecs(ranges))
	}

	ws := &workspace{
		moduleRoot: cfg.ModuleRoot,
		projectDir: cfg.AbsProjDir,
		root:       cfg.AbsRoot,
		ranges:     ranges,
		label:      func(p string) string { return p },
		cleanup:    func() {},
	}
	if cfg.TmpCopy {
		if ws, err = e.setupTempEnvironment(ctx, ranges); err != nil {
			return nil, err
		}
	}
	defer ws.cleanup()

	result, err := e.traceInWorkspace(ctx, ws)
	if err != nil {
		return nil, err
	}
	cfg.logVerbose(1, "Merged %d events from %d probes", len(result.Events), result.Probes)

	// outputs are rendered after the instrumentation has been restored so sources read as the original
	if err := e.writeOutputs(result.Events); err != nil {
		return result, err
	}
	if cfg.ArchiveDir != "" {
		if result.RunID, err = e.archiveRun(startTime, result); err != nil {
			return result, fmt.Errorf("archive run failed: %w", err)
		}
		log.Printf("Archived run %s", result.RunID)
	}
	return result, nil
}

func (e *TraceEngine) resolveRanges() (FileRanges, error) {
	cfg := e.Config
	var ranges FileRanges
	if cfg.Ranges != nil {
		ranges = make(FileRanges)
		ranges.Merge(cfg.Ranges)
	}
	if cfg.GitDiffMode == "" {
		return ranges, nil
	}
	gitRanges, err := GitDiffRanges(cfg.AbsProjDir, GitDiffOptions{
		Mode:        cfg.GitDiffMode,
		Context:     cfg.GitDiffContext,
		GitCmd:      cfg.GitCmd,
		NoUntracked: cfg.GitDiffNoUntracked,
	})
	if err != nil {
		return nil, err
	}
	cfg.logVerbose(1, "Git diff (%s) selected %d files", cfg.GitDiffMode, len(gitRanges))
	if ranges == nil {
		ranges = make(FileRanges) // an empty git diff selects nothing
	}
	ranges.Merge(gitRanges)
	ranges.Normalize()
	return ranges, nil
}

func (e *TraceEngine) traceInWorkspace(ctx context.Context, ws *workspace) (result *RunResult, err error) {
	cfg := e.Config
	registry := NewRegistry()
	instrumenter, err := NewInstrumenter(registry, ws.moduleRoot, InstrumentOptions{
		Mode:       cfg.CollectMode,
		MaxSamples: cfg.MaxSamples,
		Ranges:     ws.ranges,
		Label:      ws.label,
		Logf:       cfg.logVerbose,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if restoreErr := instrumenter.Restore(); restoreErr != nil {
			log.Printf("%sFailed to restore instrumented files: %v", ErrorLogPrefix, restoreErr)
			err = errors.Join(err, restoreErr)
		}
	}()

	pkgs, err := LoadPackages(ws.moduleRoot, "./...")
	if err != nil {
		return nil, err
	}
	files := CollectSourceFiles(pkgs, ws.root)
	cfg.logVerbose(1, "Loaded %d packages, %d candidate files", len(pkgs), len(files))
	probes, err := instrumenter.PlanFiles(ctx, files)
	if err != nil {
		return nil, err
	} else if probes == 0 {
		log.Printf("WARN: no expressions selected for tracing")
	}
	if err := instrumenter.PlanFlush(files); err != nil {
		return nil, err
	} else if err := instrumenter.Commit(); err != nil {
		return nil, err
	}
	log.Printf("Instrumented %d probes", probes)

	resultsDir := ResultsDirPath(os.Getpid())
	env, err := SetupResultsDir(resultsDir, os.Getpid())
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := CleanupResultsDir(resultsDir); err != nil {
			log.Printf("%sFailed to remove results dir %s: %v", ErrorLogPrefix, resultsDir, err)
		}
	}()

	var outputTail bytes.Buffer
	exitCode, err := e.runCommand(ctx, ws.projectDir, env, &outputTail)
	if err != nil {
		return nil, err
	} else if exitCode != 0 {
		log.Printf("WARN: command exited with status %d", exitCode)
	}

	events, err := MergeChildResults(nil, resultsDir, cfg.MaxSamples, log.Printf)
	if err != nil {
		log.Printf("%sResults cleanup failure: %v", ErrorLogPrefix, err)
	}
	return &RunResult{
		Events:     events,
		Probes:     probes,
		ExitCode:   exitCode,
		OutputTail: limitStringLines(outputTail.String(), archiveOutputLines, false),
	}, nil
}

// commandArgs splits a command into arguments, commands needing a shell are run through sh.
func commandArgs(command string) []string {
	if strings.ContainsAny(command, "|&;<>()$`\\\"'*?[]#") {
		return []string{"sh", "-c", command}
	}
	return strings.Fields(command)
}

func (e *TraceEngine) runCommand(ctx context.Context, dir string, env []string, tail *bytes.Buffer) (int, error) {
	args := commandArgs(e.Config.Command)
	if len(args) == 0 {
		return 0, errors.New("empty command")
	}
	cmd := NewProjectLoggedExec(ctx, dir, env, tail, args[0], args[1:]...)
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	} else if err != nil {
		return -1, fmt.Errorf("command failed to start: %w", err)
	}
	return 0, nil
}

func (e *TraceEngine) writeOutputs(events []Event) error {
	cfg := e.Config
	if cfg.JsonOutput != "" {
		if err := WriteEventsJSON(cfg.JsonOutput, events); err != nil {
			return fmt.Errorf("write json output failed: %w", err)
		}
		log.Printf("Events written to %s", cfg.JsonOutput)
	}
	if cfg.TextOutput != "" {
		renderer := &TextRenderer{Root: cfg.AbsRoot, Ranges: e.displayRanges()}
		if cfg.TextOutput == TextOutputStdout {
			renderer.Color = IsTerminalWriter(os.Stdout)
			if err := renderer.Render(os.Stdout, events); err != nil {
				return err
			}
		} else {
			f, err := os.Create(cfg.TextOutput)
			if err != nil {
				return fmt.Errorf("write text output failed: %w", err)
			}
			renderErr := renderer.Render(f, events)
			if err := errors.Join(renderErr, f.Close()); err != nil {
				return fmt.Errorf("write text output failed: %w", err)
			}
		}
	}
	if cfg.ChartsOutput != "" {
		if err := WriteChartsReport(cfg.ChartsOutput, filepath.Base(cfg.AbsProjDir), cfg.AbsRoot, events); err != nil {
			return err
		}
		log.Printf("Charts written to %s", cfg.ChartsOutput)
	}
	return nil
}

// displayRanges selects the ranges given explicitly, git ranges would show every changed line and are not used.
func (e *TraceEngine) displayRanges() FileRanges {
	if len(e.Config.Ranges) == 0 {
		return nil
	}
	return e.Config.Ranges
}

func (e *TraceEngine) archiveRun(startTime time.Time, result *RunResult) (string, error) {
	cfg := e.Config
	archive, err := OpenArchive(cfg.ArchiveDir, cfg.CacheMB, cfg.Verbose >= 3)
	if err != nil {
		return "", err
	}
	defer func() { _ = archive.Close() }()

	rec := NewRunRecord(startTime)
	rec.Duration = time.Since(startTime)
	rec.ProjectDir = cfg.AbsRoot
	rec.Command = cfg.Command
	rec.ExitCode = result.ExitCode
	rec.OutputTail = result.OutputTail
	rec.Mode = cfg.CollectMode.String()
	rec.MaxSamples = cfg.MaxSamples
	rec.Ranges = SerializeRangeSpecs(cfg.Ranges)
	rec.ProbeCount = result.Probes
	rec.Events = result.Events
	rec.Sources = make(map[string][]byte)
	for _, ev := range result.Events {
		if _, ok := rec.Sources[ev.File]; ok {
			continue
		}
		if src, err := os.ReadFile(ev.File); err == nil {
			rec.Sources[ev.File] = src
		} else {
			log.Printf("WARN: source snapshot unavailable for %s: %v", ev.File, err)
		}
	}
	return rec.ID, archive.Save(rec)
}

// setupTempEnvironment copies the module into a temporary directory so the project is never modified.
// Recorded locations are mapped back to the original paths.
func (e *TraceEngine) setupTempEnvironment(ctx context.Context, ranges FileRanges) (*workspace, error) {
	cfg := e.Config
	tempRoot, err := os.MkdirTemp("", "lenstrace-*")
	if err != nil {
		return nil, fmt.Errorf("unable to create temp dir: %w", err)
	}
	cleanup := func() {
		if err := WriteChmod(context.Background(), tempRoot); err != nil {
			log.Printf("%sFailed to Chmod temp dir for cleanup: %v", ErrorLogPrefix, err)
		}
		if err := os.RemoveAll(tempRoot); err != nil {
			log.Printf("%sFailed to remove temp dir %s: %v", ErrorLogPrefix, tempRoot, err)
		}
	}

	fmt.Printf("Copying files for tracing")
	const logSize = 1024 * 1024 * 50
	var logCopied atomic.Int64
	copyProgressHandler := func(target string, info os.FileInfo) {
		if !info.IsDir() {
			logCopied.Add(info.Size())
			for {
				if current := logCopied.Load(); current > logSize {
					if logCopied.CompareAndSwap(current, current-logSize) {
						fmt.Printf(".")
					}
				} else {
					break
				}
			}
		}
	}
	newModuleRoot := filepath.Join(tempRoot, "project")
	if err := CopyDir(ctx, cfg.ModuleRoot, newModuleRoot, copyProgressHandler); err != nil {
		cleanup()
		return nil, fmt.Errorf("unable to copy project: %w", err)
	}
	fmt.Println()

	toTemp := func(p string) string {
		if rel, err := filepath.Rel(cfg.ModuleRoot, p); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.Join(newModuleRoot, rel)
		}
		return p
	}
	ws := &workspace{
		moduleRoot: newModuleRoot,
		projectDir: toTemp(cfg.AbsProjDir),
		root:       toTemp(cfg.AbsRoot),
		label: func(p string) string {
			if rel, err := filepath.Rel(newModuleRoot, p); err == nil && !strings.HasPrefix(rel, "..") {
				return filepath.Join(cfg.ModuleRoot, rel)
			}
			return p
		},
		cleanup: cleanup,
	}
	if ranges != nil {
		ws.ranges = make(FileRanges, len(ranges))
		for path, lines := range ranges {
			ws.ranges[toTemp(path)] = lines
		}
	}
	return ws, nil
}
