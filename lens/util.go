package lens

import (
	"hash/maphash"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrorLogPrefix marks error log lines so they stand out in command output.
const ErrorLogPrefix = "!! "

// ErrGroupLimitCPU returns an errgroup limited to NumCPU.
func ErrGroupLimitCPU() *errgroup.Group {
	errGroup := &errgroup.Group{}
	errGroup.SetLimit(runtime.NumCPU())
	return errGroup
}

// limitStringLines keeps the first (head) or last count lines of s.
func limitStringLines(s string, count int, head bool) string {
	lines := strings.Split(s, "\n")
	if len(lines) > count {
		if head {
			lines = lines[:count]
		} else {
			lines = lines[len(lines)-count:]
		}
		return strings.Join(lines, "\n")
	} else {
		return s
	}
}

// stripedMutex provides per key locking over a fixed set of locks, distinct keys may share a lock.
type stripedMutex struct {
	seed  maphash.Seed
	locks []sync.Mutex
}

func newDefaultStripedMutex() *stripedMutex {
	return newStripedMutex(257) // prime number provides better distributions
}

func newStripedMutex(stripes uint) *stripedMutex {
	return &stripedMutex{
		seed:  maphash.MakeSeed(),
		locks: make([]sync.Mutex, max(1, stripes)),
	}
}

// Lock acquires the lock for key, returning the mutex for an easy unlock.
func (m *stripedMutex) Lock(key string) *sync.Mutex {
	l := &m.locks[m.stripe(key)]
	l.Lock()
	return l
}

func (m *stripedMutex) stripe(key string) uint64 {
	return maphash.String(m.seed, key) % uint64(len(m.locks))
}
