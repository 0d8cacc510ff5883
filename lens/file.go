package lens

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
)

// FileExists reports whether path exists. Stat errors other than not exist are treated as existing.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}

// fileWithinDir reports whether path names dir or an entry beneath it.
// Test binaries compile generated sources from the build cache, those are never within a module.
func fileWithinDir(path, dir string) (bool, error) {
	var abs [2]string
	for i, p := range []string{dir, path} {
		a, err := filepath.Abs(p)
		if err != nil {
			return false, err
		}
		abs[i] = a
	}
	rel, err := filepath.Rel(abs[0], abs[1])
	if err != nil {
		return false, err
	}
	rel = filepath.ToSlash(rel)
	return rel != ".." && !strings.HasPrefix(rel, "../"), nil
}

// replaceFile moves source over destination, both must be on the same filesystem.
func replaceFile(source, destination string) error {
	if err := os.Remove(destination); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Rename(source, destination)
}

// CopyFile copies src to dst keeping the permission bits. If src is a symlink, the symlink is recreated at dst.
func CopyFile(src, dst string) (err error) {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	} else if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// copySkipDirs are never needed to build or test a copied module.
var copySkipDirs = map[string]bool{".git": true, ".hg": true, ".svn": true, ".idea": true}

// CopyDir recursively copies the src module directory into dst. VCS metadata and leftover instrumentation
// backups are not copied.
func CopyDir(ctx context.Context, src, dst string, progressNotify func(string, os.FileInfo)) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.NumCPU() * 4)
	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		select { // abort walk if any copy failed
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			if rel != "." && copySkipDirs[info.Name()] {
				return filepath.SkipDir
			} else if progressNotify != nil {
				progressNotify(target, info)
			}
			return os.MkdirAll(target, 0755)
		} else if strings.HasSuffix(path, backupSuffix) {
			return nil
		}
		eg.Go(func() error { // copy operations may be slower, done async
			if progressNotify != nil {
				defer progressNotify(target, info)
			}
			return CopyFile(path, target)
		})
		return nil
	})
	return errors.Join(err, eg.Wait())
}

// WriteChmod makes every file and directory under root writable by its owner, group and others.
// Copies taken from the module cache are read only and could not otherwise be removed.
func WriteChmod(ctx context.Context, root string) error {
	return concurrentWalk(ctx, root, func(path string, info os.FileInfo) error {
		want := info.Mode().Perm() | 0o222
		if info.IsDir() {
			want |= 0o111
		}
		if want == info.Mode().Perm() {
			return nil
		}
		return os.Chmod(path, want)
	})
}

// concurrentWalk calls handler concurrently for root and each entry beneath it. Symlinks are skipped.
// The walk stops early once a handler fails.
func concurrentWalk(ctx context.Context, root string, handler func(path string, info os.FileInfo) error) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.NumCPU() * 4)
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		} else if ctx.Err() != nil {
			return ctx.Err()
		} else if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		eg.Go(func() error {
			info, err := d.Info()
			if err != nil {
				return err
			}
			return handler(path, info)
		})
		return nil
	})
	return errors.Join(walkErr, eg.Wait())
}
