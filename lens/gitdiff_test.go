package lens

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDiff = `diff --git a/pkg/a.go b/pkg/a.go
index 1111111..2222222 100644
--- a/pkg/a.go
+++ b/pkg/a.go
@@ -3,0 +4,2 @@ func a() {
+	x := 1
+	y := 2
@@ -10 +12 @@ func b() {
-	old()
+	updated()
@@ -20,3 +21,0 @@ func c() {
-	gone()
diff --git a/removed.go b/removed.go
deleted file mode 100644
--- a/removed.go
+++ /dev/null
@@ -1,5 +0,0 @@
-package p
diff --git a/new.go b/new.go
new file mode 100644
--- /dev/null
+++ b/new.go
@@ -0,0 +1,3 @@
+package p
+
+func n() {}
`

func TestParseGitDiffRanges(t *testing.T) {
	t.Parallel()

	root := filepath.FromSlash("/repo")
	aPath := filepath.Join(root, "pkg", "a.go")
	newPath := filepath.Join(root, "new.go")

	t.Run("no_context", func(t *testing.T) {
		got := ParseGitDiffRanges([]byte(sampleDiff), root, 0)
		got.Normalize()
		assert.Equal(t, FileRanges{
			aPath:   {{4, 5}, {12, 12}},
			newPath: {{1, 3}},
		}, got)
	})

	t.Run("context", func(t *testing.T) {
		got := ParseGitDiffRanges([]byte(sampleDiff), root, 3)
		got.Normalize()
		assert.Equal(t, FileRanges{
			aPath:   {{1, 15}},
			newPath: {{1, 6}},
		}, got)
	})

	t.Run("negative_context", func(t *testing.T) {
		got := ParseGitDiffRanges([]byte(sampleDiff), root, -4)
		got.Normalize()
		assert.Equal(t, []LineRange{{4, 5}, {12, 12}}, got[aPath])
	})

	t.Run("quoted_path", func(t *testing.T) {
		diff := "+++ \"b/dir with space/f.go\"\n@@ -1 +1 @@\n"
		got := ParseGitDiffRanges([]byte(diff), root, 0)
		assert.Equal(t, FileRanges{filepath.Join(root, "dir with space", "f.go"): {{1, 1}}}, got)
	})

	t.Run("empty", func(t *testing.T) {
		assert.Empty(t, ParseGitDiffRanges(nil, root, 0))
	})
}

func TestValidateGitDiffMode(t *testing.T) {
	t.Parallel()

	for _, mode := range []string{"working", "staged", "base:main", "range:a..b", ""} {
		assert.NoError(t, ValidateGitDiffMode(mode), mode)
	}
	for _, mode := range []string{"base:", "range:", "head", "unstaged"} {
		assert.ErrorIs(t, ValidateGitDiffMode(mode), errInvalidGitDiffMode, mode)
	}

	args, err := gitDiffArgs("base:v1.2.0")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1.2.0"}, args)
	args, err = gitDiffArgs("staged")
	require.NoError(t, err)
	assert.Equal(t, []string{"--cached"}, args)
}

func TestCountFileLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for name, tc := range map[string]struct {
		content string
		lines   int
	}{
		"empty":       {"", 0},
		"trailing_nl": {"a\nb\n", 2},
		"no_nl":       {"a\nb", 2},
		"single":      {"x", 1},
	} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(tc.content), 0o644))
		lines, err := countFileLines(path)
		require.NoError(t, err)
		assert.Equal(t, tc.lines, lines, name)
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()

	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=lens", "GIT_AUTHOR_EMAIL=lens@example.com",
		"GIT_COMMITTER_NAME=lens", "GIT_COMMITTER_EMAIL=lens@example.com")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
}

func TestGitDiffRanges(t *testing.T) {
	if testing.Short() {
		t.Skip("skip in short mode")
	} else if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	t.Parallel()

	dir := t.TempDir()
	dir, err := filepath.EvalSymlinks(dir) // git reports the resolved top level
	require.NoError(t, err)
	tracked := filepath.Join(dir, "a.go")
	require.NoError(t, os.WriteFile(tracked, []byte("package a\n\nfunc A() int {\n\treturn 1\n}\n"), 0o644))
	runGit(t, dir, "init", "-q")
	runGit(t, dir, "add", "a.go")
	runGit(t, dir, "commit", "-q", "-m", "init")

	t.Run("clean", func(t *testing.T) {
		ranges, err := GitDiffRanges(dir, GitDiffOptions{Mode: "working"})
		require.NoError(t, err)
		assert.Nil(t, ranges)
	})

	require.NoError(t, os.WriteFile(tracked, []byte("package a\n\nfunc A() int {\n\treturn 2\n}\n"), 0o644))
	untracked := filepath.Join(dir, "b.go")
	require.NoError(t, os.WriteFile(untracked, []byte("package a\n\nvar B = 1\n"), 0o644))

	t.Run("working", func(t *testing.T) {
		ranges, err := GitDiffRanges(dir, GitDiffOptions{Mode: "working"})
		require.NoError(t, err)
		assert.Equal(t, FileRanges{
			tracked:   {{4, 4}},
			untracked: {{1, 3}},
		}, ranges)
	})

	t.Run("no_untracked", func(t *testing.T) {
		ranges, err := GitDiffRanges(dir, GitDiffOptions{Mode: "working", Context: 1, NoUntracked: true})
		require.NoError(t, err)
		assert.Equal(t, FileRanges{tracked: {{3, 5}}}, ranges)
	})

	t.Run("staged_empty", func(t *testing.T) {
		ranges, err := GitDiffRanges(dir, GitDiffOptions{Mode: "staged", NoUntracked: true})
		require.NoError(t, err)
		assert.Nil(t, ranges)
	})

	t.Run("invalid_git", func(t *testing.T) {
		_, err := GitDiffRanges(dir, GitDiffOptions{Mode: "working", GitCmd: filepath.Join(dir, "no-git")})
		assert.Error(t, err)
	})
}
