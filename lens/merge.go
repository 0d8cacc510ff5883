package lens

import (
	"cmp"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/mtraver/base91"
)

// LocationKey identifies a probe across processes. Ids are assigned per instrumentation and are never
// used for merging.
type LocationKey struct {
	File      string
	StartLine int
	StartCol  int
	EndLine   int
	EndCol    int
}

// Key returns the location key of the event.
func (e Event) Key() LocationKey {
	return LocationKey{
		File:      e.File,
		StartLine: e.StartLine,
		StartCol:  e.StartCol,
		EndLine:   e.EndLine,
		EndCol:    e.EndCol,
	}
}

func (k LocationKey) String() string {
	return fmt.Sprintf("%s:%d:%d-%d:%d", k.File, k.StartLine, k.StartCol, k.EndLine, k.EndCol)
}

var locationKeyPattern = regexp.MustCompile(`^(.+):(\d+):(\d+)-(\d+):(\d+)$`)

// ParseLocationKey parses the form produced by LocationKey.String.
func ParseLocationKey(s string) (LocationKey, error) {
	m := locationKeyPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return LocationKey{}, fmt.Errorf("invalid location %q (expected FILE:LINE:COL-LINE:COL)", s)
	}
	key := LocationKey{File: m[1]}
	for i, dst := range []*int{&key.StartLine, &key.StartCol, &key.EndLine, &key.EndCol} {
		v, err := strconv.Atoi(m[i+2])
		if err != nil {
			return LocationKey{}, fmt.Errorf("invalid location %q: %w", s, err)
		}
		*dst = v
	}
	return key, nil
}

// Fingerprint provides a short stable identifier for the location, suitable for display and indexes.
func (k LocationKey) Fingerprint() string {
	sha := sha1.Sum([]byte(k.String()))
	return base91.StdEncoding.EncodeToString(sha[:8])
}

// eventShape ranks the event representations, a merged event takes the richest shape of its members.
type eventShape int

const (
	shapeTypes eventShape = iota
	shapeLast
	shapeHistory
)

func (e Event) shape() eventShape {
	if len(e.SampledValues) > 0 {
		return shapeHistory
	} else if e.LastValue != nil {
		return shapeLast
	}
	return shapeTypes
}

// MergeEvents combines event lists by location, preserving the order in which each location is first seen.
// Totals and type counts are summed. Samples are concatenated in input order, keeping only the most recent
// maxSamples when maxSamples is positive. Without samples the last seen LastValue is retained.
func MergeEvents(lists [][]Event, maxSamples int) []Event {
	index := make(map[LocationKey]int)
	var merged []Event
	for _, list := range lists {
		for _, ev := range list {
			key := ev.Key()
			i, ok := index[key]
			if !ok {
				index[key] = len(merged)
				merged = append(merged, Event{
					File:          ev.File,
					StartLine:     ev.StartLine,
					StartCol:      ev.StartCol,
					EndLine:       ev.EndLine,
					EndCol:        ev.EndCol,
					Kind:          ev.Kind,
					Name:          ev.Name,
					AllValueTypes: make(map[string]int, len(ev.AllValueTypes)),
				})
				i = len(merged) - 1
			}
			mergeInto(&merged[i], ev, maxSamples)
		}
	}
	for i := range merged { // history wins over last
		if len(merged[i].SampledValues) > 0 {
			merged[i].LastValue = nil
		}
	}
	if merged == nil {
		return []Event{}
	}
	return merged
}

func mergeInto(dst *Event, src Event, maxSamples int) {
	dst.Total += src.Total
	for typ, n := range src.AllValueTypes {
		dst.AllValueTypes[typ] += n
	}
	if dst.Name == "" {
		dst.Name = src.Name
	}
	switch src.shape() {
	case shapeHistory:
		dst.SampledValues = append(dst.SampledValues, src.SampledValues...)
		if maxSamples > 0 && len(dst.SampledValues) > maxSamples {
			dst.SampledValues = slices.Clone(dst.SampledValues[len(dst.SampledValues)-maxSamples:])
		}
	case shapeLast:
		last := *src.LastValue
		dst.LastValue = &last
	}
}

var childResultsPattern = regexp.MustCompile(`^` + regexp.QuoteMeta(ChildResultsPrefix) + `(\d+)_(\d+)_(\d+)\.json$`)

type childResultsFile struct {
	path           string
	pid            int
	sec, microsecs int64
}

// listChildResults returns the child result files of dir ordered by their write time, then pid.
// Files whose names do not carry a timestamp are ordered last by name.
func listChildResults(dir string) ([]childResultsFile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, ChildResultsPrefix+"*.json"))
	if err != nil {
		return nil, err
	}
	files := make([]childResultsFile, 0, len(matches))
	for _, path := range matches {
		f := childResultsFile{path: path, pid: -1, sec: -1}
		if m := childResultsPattern.FindStringSubmatch(filepath.Base(path)); m != nil {
			f.pid, _ = strconv.Atoi(m[1])
			f.sec, _ = strconv.ParseInt(m[2], 10, 64)
			f.microsecs, _ = strconv.ParseInt(m[3], 10, 64)
		}
		files = append(files, f)
	}
	slices.SortStableFunc(files, func(a, b childResultsFile) int {
		if (a.sec < 0) != (b.sec < 0) {
			if a.sec < 0 {
				return 1
			}
			return -1
		} else if a.sec != b.sec {
			return cmp.Compare(a.sec, b.sec)
		} else if a.microsecs != b.microsecs {
			return cmp.Compare(a.microsecs, b.microsecs)
		} else if a.pid != b.pid {
			return a.pid - b.pid
		}
		return strings.Compare(a.path, b.path)
	})
	return files, nil
}

// ReadEventsJSON decodes a json events file.
func ReadEventsJSON(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return events, nil
}

// WriteEventsJSON writes events as a json array readable only by the owner.
func WriteEventsJSON(path string, events []Event) error {
	if events == nil {
		events = []Event{}
	}
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

// MergeChildResults merges base with every child results file in dir. Consumed files are deleted,
// unreadable files are reported through logf and left in place.
func MergeChildResults(base []Event, dir string, maxSamples int, logf func(format string, args ...any)) ([]Event, error) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	files, err := listChildResults(dir)
	if err != nil {
		return nil, err
	}
	lists := make([][]Event, 0, len(files)+1)
	lists = append(lists, base)
	var removeErrs []error
	for _, f := range files {
		events, err := ReadEventsJSON(f.path)
		if err != nil {
			logf("%sskip unreadable results %s: %v", ErrorLogPrefix, f.path, err)
			continue
		}
		lists = append(lists, events)
		if err := os.Remove(f.path); err != nil {
			removeErrs = append(removeErrs, err)
		}
	}
	return MergeEvents(lists, maxSamples), errors.Join(removeErrs...)
}

var unsafeUserChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// ResultsDirPath provides the default per-invocation results dir beneath the system temp dir.
func ResultsDirPath(pid int) string {
	name := os.Getenv("USER")
	if name == "" {
		name = os.Getenv("LOGNAME")
	}
	if name == "" {
		if u, err := user.Current(); err == nil {
			name = u.Username
		} else {
			name = strconv.Itoa(os.Getuid())
		}
	}
	name = unsafeUserChars.ReplaceAllString(name, "_")
	return filepath.Join(os.TempDir(), "lenstrace_results", name+"_"+strconv.Itoa(pid))
}

// SetupResultsDir creates dir readable only by the owner and returns the env entries which direct
// instrumented processes to write their results into it.
func SetupResultsDir(dir string, parentPid int) ([]string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	} else if err := os.Chmod(dir, 0o700); err != nil {
		return nil, fmt.Errorf("restrict results dir: %w", err)
	}
	return []string{
		EnvResultsDir + "=" + dir,
		EnvResultsParentPid + "=" + strconv.Itoa(parentPid),
	}, nil
}

// CleanupResultsDir removes the results dir and its parent when no other invocation is using it.
func CleanupResultsDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	_ = os.Remove(filepath.Dir(dir)) // fails while other results dirs exist
	return nil
}
