package lens

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// GitDiffOptions configures the selection of changed lines from git.
type GitDiffOptions struct {
	// Mode is one of working, staged, base:REV, or range:SPEC.
	Mode string
	// Context expands each hunk by this many lines before and after.
	Context int
	// GitCmd is the git executable, defaults to "git".
	GitCmd string
	// NoUntracked excludes untracked files, which are otherwise selected whole.
	NoUntracked bool
}

var errInvalidGitDiffMode = errors.New("invalid git diff mode (working|staged|base:REV|range:SPEC)")

// ValidateGitDiffMode verifies that mode is a supported git diff mode.
func ValidateGitDiffMode(mode string) error {
	_, err := gitDiffArgs(mode)
	return err
}

func gitDiffArgs(mode string) ([]string, error) {
	switch {
	case mode == "" || mode == "working":
		return nil, nil
	case mode == "staged":
		return []string{"--cached"}, nil
	case strings.HasPrefix(mode, "base:") && len(mode) > len("base:"):
		return []string{strings.TrimPrefix(mode, "base:")}, nil
	case strings.HasPrefix(mode, "range:") && len(mode) > len("range:"):
		return []string{strings.TrimPrefix(mode, "range:")}, nil
	}
	return nil, fmt.Errorf("%w: %q", errInvalidGitDiffMode, mode)
}

var hunkHeaderRegex = regexp.MustCompile(`^@@ -\d+(?:,\d+)? \+(\d+)(?:,(\d+))? @@`)

// ParseGitDiffRanges extracts the changed line ranges of the new side of a unified diff.
// Paths are resolved against root, hunks are expanded by context lines with the start clamped at line 1.
// Deleted files and pure deletions produce no ranges.
func ParseGitDiffRanges(diff []byte, root string, context int) FileRanges {
	context = max(0, context)
	result := make(FileRanges)
	var currentFile string
	scanner := bufio.NewScanner(bytes.NewReader(diff))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "+++ "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "+++ "))
			if path == "/dev/null" {
				currentFile = ""
				continue
			}
			if unquoted, err := strconv.Unquote(path); err == nil {
				path = unquoted
			}
			if strings.HasPrefix(path, "a/") || strings.HasPrefix(path, "b/") {
				path = path[2:]
			}
			currentFile = filepath.Clean(filepath.Join(root, filepath.FromSlash(path)))
		case strings.HasPrefix(line, "@@"):
			if currentFile == "" {
				continue
			}
			m := hunkHeaderRegex.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			start, _ := strconv.Atoi(m[1])
			count := 1
			if m[2] != "" {
				count, _ = strconv.Atoi(m[2])
			}
			if count == 0 {
				continue
			}
			end := start + count - 1
			result.Add(currentFile, LineRange{Start: max(1, start-context), End: end + context})
		}
	}
	return result
}

// GitDiffRanges selects the changed lines of the repository containing baseDir.
// A nil result indicates that git reported no changes or could not be run.
func GitDiffRanges(baseDir string, opts GitDiffOptions) (FileRanges, error) {
	modeArgs, err := gitDiffArgs(opts.Mode)
	if err != nil {
		return nil, err
	}
	gitCmd := opts.GitCmd
	if gitCmd == "" {
		gitCmd = "git"
	}
	ctx := context.Background()
	root := gitRoot(ctx, baseDir, gitCmd)

	args := append([]string{"diff", "--unified=0", "--no-color"}, modeArgs...)
	diff, err := NewProjectExec(ctx, baseDir, nil, gitCmd, args...).Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil, fmt.Errorf("git diff failed: %w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
	} else if err != nil {
		return nil, fmt.Errorf("git diff failed: %w", err)
	}
	result := ParseGitDiffRanges(diff, root, opts.Context)
	if !opts.NoUntracked {
		for _, path := range gitUntrackedFiles(ctx, baseDir, gitCmd, root) {
			if lines, err := countFileLines(path); err == nil && lines > 0 {
				result.Add(path, LineRange{Start: 1, End: lines})
			}
		}
	}
	if len(result) == 0 {
		return nil, nil
	}
	result.Normalize()
	return result, nil
}

func gitRoot(ctx context.Context, dir, gitCmd string) string {
	out, err := NewProjectCapturedOutputExec(ctx, dir, nil, nil, gitCmd, "rev-parse", "--show-toplevel")
	if err != nil {
		return dir
	}
	return strings.TrimSpace(string(out))
}

func gitUntrackedFiles(ctx context.Context, baseDir, gitCmd, root string) []string {
	out, err := NewProjectExec(ctx, baseDir, nil, gitCmd, "status", "--porcelain", "--untracked-files=all").Output()
	if err != nil {
		return nil
	}
	var files []string
	for _, line := range strings.Split(string(out), "\n") {
		rel, ok := strings.CutPrefix(line, "?? ")
		if !ok || strings.TrimSpace(rel) == "" {
			continue
		}
		if unquoted, err := strconv.Unquote(rel); err == nil {
			rel = unquoted
		}
		files = append(files, filepath.Join(root, filepath.FromSlash(strings.TrimSpace(rel))))
	}
	return files
}

func countFileLines(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	} else if len(data) == 0 {
		return 0, nil
	}
	lines := bytes.Count(data, []byte{'\n'})
	if data[len(data)-1] != '\n' {
		lines++
	}
	return lines, nil
}
