package lens

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func sampleEvent(file string, line int) Event {
	return Event{
		File:          file,
		StartLine:     line,
		StartCol:      1,
		EndLine:       line,
		EndCol:        4,
		Kind:          ProbeExpression,
		AllValueTypes: map[string]int{},
	}
}

func historyEvent(file string, line int, values ...string) Event {
	ev := sampleEvent(file, line)
	ev.Total = len(values)
	ev.AllValueTypes["string"] = len(values)
	for _, v := range values {
		ev.SampledValues = append(ev.SampledValues, ValueSummary{Type: "string", Preview: v})
	}
	return ev
}

func drawEvent(t *rapid.T) Event {
	ev := sampleEvent("/src/a.go", rapid.IntRange(1, 3).Draw(t, "line"))
	types := []string{"int", "string", "error"}
	for _, typ := range types {
		if n := rapid.IntRange(0, 4).Draw(t, "count_"+typ); n > 0 {
			ev.AllValueTypes[typ] = n
			ev.Total += n
		}
	}
	switch rapid.IntRange(0, 2).Draw(t, "shape") {
	case 1:
		ev.LastValue = &ValueSummary{Type: "int", Preview: strconv.Itoa(ev.Total)}
	case 2:
		for i := 0; i < min(ev.Total, 3); i++ {
			ev.SampledValues = append(ev.SampledValues, ValueSummary{Type: "int", Preview: strconv.Itoa(i)})
		}
	}
	return ev
}

type mergeTotals struct {
	total int
	types map[string]int
}

func totalsByKey(events []Event) map[LocationKey]mergeTotals {
	result := make(map[LocationKey]mergeTotals, len(events))
	for _, ev := range events {
		result[ev.Key()] = mergeTotals{total: ev.Total, types: ev.AllValueTypes}
	}
	return result
}

func TestMergeEventsPartitionCounts(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		events := rapid.SliceOfN(rapid.Custom(drawEvent), 0, 20).Draw(t, "events")
		split := rapid.IntRange(0, len(events)).Draw(t, "split")
		maxSamples := rapid.IntRange(1, 5).Draw(t, "max")

		all := MergeEvents([][]Event{events}, maxSamples)
		left := MergeEvents([][]Event{events[:split]}, maxSamples)
		right := MergeEvents([][]Event{events[split:]}, maxSamples)
		combined := MergeEvents([][]Event{left, right}, maxSamples)
		reversed := MergeEvents([][]Event{right, left}, maxSamples)

		assert.Equal(t, totalsByKey(all), totalsByKey(combined))
		assert.Equal(t, totalsByKey(all), totalsByKey(reversed))
		for _, ev := range combined {
			assert.LessOrEqual(t, len(ev.SampledValues), maxSamples)
			assert.False(t, ev.LastValue != nil && len(ev.SampledValues) > 0)
		}
	})
}

func TestMergeEventsMixedShapes(t *testing.T) {
	t.Parallel()

	types := sampleEvent("/a.go", 1)
	types.Total = 2
	types.AllValueTypes["int"] = 2
	history := historyEvent("/a.go", 1, "x", "y")
	last := sampleEvent("/a.go", 1)
	last.Total = 1
	last.AllValueTypes["int"] = 1
	last.LastValue = &ValueSummary{Type: "int", Preview: "9"}

	t.Run("types_and_history", func(t *testing.T) {
		merged := MergeEvents([][]Event{{types}, {history}}, 3)
		require.Len(t, merged, 1)
		assert.Equal(t, 4, merged[0].Total)
		assert.Equal(t, map[string]int{"int": 2, "string": 2}, merged[0].AllValueTypes)
		assert.Equal(t, []string{"x", "y"}, previews(merged[0].SampledValues))
	})

	t.Run("history_wins_over_last", func(t *testing.T) {
		merged := MergeEvents([][]Event{{history}, {last}, {types}}, 3)
		require.Len(t, merged, 1)
		assert.Nil(t, merged[0].LastValue)
		assert.Equal(t, []string{"x", "y"}, previews(merged[0].SampledValues))
		assert.Equal(t, 5, merged[0].Total)
	})

	t.Run("last_and_types", func(t *testing.T) {
		merged := MergeEvents([][]Event{{types}, {last}}, 3)
		require.Len(t, merged, 1)
		require.NotNil(t, merged[0].LastValue)
		assert.Equal(t, "9", merged[0].LastValue.Preview)
		assert.Nil(t, merged[0].SampledValues)
	})
}

func TestMergeEventsSampleWindow(t *testing.T) {
	t.Parallel()

	a := historyEvent("/a.go", 1, "1", "2")
	b := historyEvent("/a.go", 1, "3", "4")
	other := historyEvent("/b.go", 7, "z")

	merged := MergeEvents([][]Event{{a, other}, {b}}, 3)
	require.Len(t, merged, 2)
	assert.Equal(t, "/a.go", merged[0].File) // first seen order
	assert.Equal(t, []string{"2", "3", "4"}, previews(merged[0].SampledValues))
	assert.Equal(t, 4, merged[0].Total)
	assert.Equal(t, []string{"z"}, previews(merged[1].SampledValues))

	// inputs are not modified
	assert.Len(t, a.SampledValues, 2)
	assert.Equal(t, 2, a.Total)

	assert.Equal(t, []Event{}, MergeEvents(nil, 3))
}

func TestMergeEventsKeepsParameterName(t *testing.T) {
	t.Parallel()

	a := sampleEvent("/a.go", 1)
	a.Kind = ProbeParameter
	b := a
	b.Name = "n"
	b.AllValueTypes = map[string]int{"int": 1}
	b.Total = 1

	merged := MergeEvents([][]Event{{a}, {b}}, 3)
	require.Len(t, merged, 1)
	assert.Equal(t, "n", merged[0].Name)
	assert.Equal(t, ProbeParameter, merged[0].Kind)
}

func writeChildResults(t *testing.T, dir string, pid int, ts time.Time, events []Event) string {
	t.Helper()

	path := filepath.Join(dir, ChildResultsFilename(pid, ts))
	require.NoError(t, WriteEventsJSON(path, events))
	return path
}

func TestMergeChildResults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	base := time.Unix(1700000000, 0)
	// written out of order, merged by timestamp
	p3 := writeChildResults(t, dir, 30, base.Add(2*time.Second), []Event{historyEvent("/a.go", 1, "5", "6")})
	p1 := writeChildResults(t, dir, 10, base, []Event{historyEvent("/a.go", 1, "1", "2")})
	p2 := writeChildResults(t, dir, 20, base.Add(time.Second), []Event{historyEvent("/a.go", 1, "3", "4")})
	bad := filepath.Join(dir, ChildResultsFilename(40, base.Add(3*time.Second)))
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o600))

	var logged []string
	events, err := MergeChildResults(nil, dir, 3, func(format string, args ...any) {
		logged = append(logged, format)
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 6, events[0].Total)
	assert.Equal(t, []string{"4", "5", "6"}, previews(events[0].SampledValues))

	require.Len(t, logged, 1)
	for _, p := range []string{p1, p2, p3} {
		assert.NoFileExists(t, p)
	}
	assert.FileExists(t, bad)
}

func TestMergeChildResultsBase(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeChildResults(t, dir, 1, time.Unix(5, 0), []Event{historyEvent("/a.go", 2, "child")})

	events, err := MergeChildResults([]Event{historyEvent("/a.go", 2, "parent")}, dir, 5, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"parent", "child"}, previews(events[0].SampledValues))
}

func TestListChildResultsOrder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	names := []string{
		"child_9_100_000002.json",
		"child_2_100_000001.json",
		"child_1_100_000001.json",
		"child_extra.json",
		"child_3_99_999999.json",
		"other.json",
	}
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("[]"), 0o600))
	}

	files, err := listChildResults(dir)
	require.NoError(t, err)
	got := make([]string, len(files))
	for i, f := range files {
		got[i] = filepath.Base(f.path)
	}
	assert.Equal(t, []string{
		"child_3_99_999999.json",
		"child_1_100_000001.json",
		"child_2_100_000001.json",
		"child_9_100_000002.json",
		"child_extra.json",
	}, got)
}

func TestResultsDirLifecycle(t *testing.T) {
	parent := t.TempDir()
	t.Setenv("TMPDIR", parent)
	t.Setenv("USER", "a b/c")

	dir := ResultsDirPath(1234)
	assert.Equal(t, filepath.Join(os.TempDir(), "lenstrace_results", "a_b_c_1234"), dir)

	env, err := SetupResultsDir(dir, 1234)
	require.NoError(t, err)
	assert.Equal(t, []string{EnvResultsDir + "=" + dir, EnvResultsParentPid + "=1234"}, env)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	require.NoError(t, CleanupResultsDir(dir))
	assert.NoDirExists(t, dir)
	assert.NoDirExists(t, filepath.Dir(dir))
}

func TestEventsJSONRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.json")
	require.NoError(t, WriteEventsJSON(path, nil))
	events, err := ReadEventsJSON(path)
	require.NoError(t, err)
	assert.Empty(t, events)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(data))

	_, err = ReadEventsJSON(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLocationKey(t *testing.T) {
	t.Parallel()

	key := LocationKey{File: "/src/dir:with:colons/a.go", StartLine: 3, StartCol: 0, EndLine: 4, EndCol: 12}
	assert.Equal(t, "/src/dir:with:colons/a.go:3:0-4:12", key.String())

	parsed, err := ParseLocationKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key, parsed)

	for _, invalid := range []string{"", "a.go", "a.go:1:2", "a.go:1:2-3", ":1:2-3:4", "a.go:x:2-3:4"} {
		_, err := ParseLocationKey(invalid)
		assert.Error(t, err, invalid)
	}

	fp := key.Fingerprint()
	assert.NotEmpty(t, fp)
	assert.Equal(t, fp, key.Fingerprint())
	other := key
	other.EndCol++
	assert.NotEqual(t, fp, other.Fingerprint())
}
