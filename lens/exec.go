package lens

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"

	"github.com/go-analyze/bulk"
)

// commandOutputTailBytes bounds the command output retained for archived runs.
const commandOutputTailBytes = 64 * 1024

// NewProjectExec creates a command that runs in projectDir with env applied.
func NewProjectExec(ctx context.Context, projectDir string, env []string, name string, arg ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, arg...)
	cmd.Dir = projectDir
	cmd.Env = mergeSafeEnv(env)

	return cmd
}

// mergeSafeEnv combines the process environment with env, env entries override and dynamic loader
// variables from the process environment are dropped.
func mergeSafeEnv(env []string) []string {
	envKeys := make([]string, len(env)) // check for os values we want to override
	for i, kv := range env {
		envKeys[i], _, _ = strings.Cut(kv, "=")
	}
	safeEnv := bulk.SliceFilterInPlace(func(envVar string) bool {
		if envVar == "" || envVar == "=" || strings.HasPrefix(envVar, "LD_") {
			return false // skip unsafe
		} else if key, _, _ := strings.Cut(envVar, "="); slices.Contains(envKeys, key) {
			return false // will be overridden by custom value
		}
		return true
	}, os.Environ())
	return append(safeEnv, env...)
}

// NewProjectLoggedExec runs a command in projectDir with env and logs output to stdout and stderr.
// The tail of the combined output is retained in tail when it is not nil.
func NewProjectLoggedExec(ctx context.Context, projectDir string, env []string, tail *bytes.Buffer, name string, arg ...string) *exec.Cmd {
	cmd := NewProjectExec(ctx, projectDir, env, name, arg...)
	if tail == nil {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		tailWriter := &lockedWriter{w: newOutputTail(tail, commandOutputTailBytes)}
		cmd.Stdout = TeeWriter(os.Stdout, tailWriter)
		cmd.Stderr = TeeWriter(os.Stderr, tailWriter)
	}
	return cmd
}

// NewProjectCapturedOutputExec runs a command in projectDir with env, returning the combined stdout and stderr.
// Output is streamed to out as well when out is not nil.
func NewProjectCapturedOutputExec(ctx context.Context, projectDir string, env []string, out io.Writer,
	name string, arg ...string) ([]byte, error) {
	cmd := NewProjectExec(ctx, projectDir, env, name, arg...)
	lb := &lockedBuffer{}
	cmd.Stdout = TeeWriter(out, lb)
	cmd.Stderr = cmd.Stdout
	err := cmd.Run()
	return lb.Bytes(), err
}
