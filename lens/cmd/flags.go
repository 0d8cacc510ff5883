package cmd

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/pflag"

	"github.com/PatchLens/go-trace-lens/lens"
)

// TraceFlags holds the trace options bound to a flag set.
type TraceFlags struct {
	fs        *pflag.FlagSet
	config    lens.Config
	untracked bool
}

// BindTraceFlags defines the trace options on fs.
func BindTraceFlags(fs *pflag.FlagSet) *TraceFlags {
	f := &TraceFlags{fs: fs}
	c := &f.config

	fs.StringVarP(&c.ProjectDir, "project", "p", ".", "Path to the project directory, the command runs here")
	fs.StringVar(&c.Root, "root", "", "Only instrument files beneath this directory (default module root)")
	fs.StringVarP(&c.Mode, "mode", "m", "history", "Recording mode: last, types, history")
	fs.IntVar(&c.MaxSamples, "max", lens.DefaultMaxSamples, "Values retained per location in history mode")
	fs.StringArrayVarP(&c.RangeSpecs, "range", "r", nil, "Restrict tracing to FILE[:LINES] (repeatable), LINES like 10-20,33")
	fs.StringVar(&c.GitDiffMode, "git-diff", "", "Trace changed lines: working, staged, base:REV, range:SPEC")
	fs.IntVar(&c.GitDiffContext, "git-diff-context", lens.DefaultGitContext, "Lines of context around each changed hunk")
	fs.StringVar(&c.GitCmd, "git-cmd", "git", "Git executable")
	fs.BoolVar(&f.untracked, "git-diff-untracked", true, "Trace untracked files whole in git diff mode")
	fs.StringVarP(&c.Command, "command", "c", lens.DefaultCommand, "Command run against the instrumented module")
	fs.StringVar(&c.TextOutput, "text", lens.TextOutputStdout, "File to write annotated source to, '-' for stdout, empty to disable")
	fs.StringVar(&c.JsonOutput, "json", "", "File to write the recorded events to")
	fs.StringVar(&c.ChartsOutput, "charts", "", "Image file (.png, .jpg, .svg) to write the probe overview to")
	fs.StringVar(&c.ArchiveDir, "archive", "", "Directory of the run archive, runs are archived when set")
	fs.IntVar(&c.CacheMB, "cachemb", lens.DefaultCacheMB, "Archive cache memory budget in MB")
	fs.BoolVar(&c.TmpCopy, "tmpcopy", false, "Copy the module to a temp directory so the project is never modified")
	fs.CountVarP(&c.Verbose, "verbose", "v", "Increase logging, may be repeated")

	return f
}

// envFlags maps environment variables to the flag they set when the flag is not given.
var envFlags = []struct{ env, flag string }{
	{"LENSTRACE_MODE", "mode"},
	{"LENSTRACE_MAX_SAMPLES", "max"},
	{"LENSTRACE_ROOT", "root"},
	{"LENSTRACE_RANGE", "range"},
	{"LENSTRACE_GIT_DIFF", "git-diff"},
	{"LENSTRACE_GIT_DIFF_CONTEXT", "git-diff-context"},
	{"LENSTRACE_GIT_CMD", "git-cmd"},
	{"LENSTRACE_GIT_DIFF_UNTRACKED", "git-diff-untracked"},
	{"LENSTRACE_TEXT", "text"},
	{lens.EnvJsonOutput, "json"},
	{"LENSTRACE_VERBOSE", "verbose"},
}

// Config applies the environment for flags missing from the command line and returns the resulting config.
// Flags given explicitly always win over the environment.
func (f *TraceFlags) Config(getenv func(string) string) (*lens.Config, error) {
	for _, ef := range envFlags {
		if f.fs.Changed(ef.flag) {
			continue
		}
		value := strings.TrimSpace(getenv(ef.env))
		if value == "" {
			continue
		}
		values := []string{value}
		if ef.flag == "range" {
			values = lens.SplitRangeEnv(value)
		}
		for _, v := range values {
			if err := f.fs.Set(ef.flag, v); err != nil {
				return nil, fmt.Errorf("invalid %s value %q: %w", ef.env, value, err)
			}
		}
	}

	config := f.config
	config.RangeSpecs = slices.Clone(f.config.RangeSpecs)
	config.GitDiffNoUntracked = !f.untracked
	return &config, nil
}
