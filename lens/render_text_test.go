package lens

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const renderSource = "package p\n\nfunc f(x int) int {\n\treturn x + 1\n}\n"

func renderEvents(t *testing.T, r *TextRenderer, events []Event) string {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, r.Render(&buf, events))
	return buf.String()
}

func TestTextRendererHistory(t *testing.T) {
	t.Parallel()

	path := filepath.FromSlash("/p/a.go")
	param := historyEvent(path, 3, "3", "5")
	param.StartCol, param.EndCol = 7, 8
	param.Kind, param.Name = ProbeParameter, "x"
	param.AllValueTypes = map[string]int{"int": 2}
	expr := historyEvent(path, 4, "3", "5")
	expr.StartCol, expr.EndCol = 8, 9
	expr.AllValueTypes = map[string]int{"int": 2}

	r := &TextRenderer{Root: filepath.FromSlash("/p"), Sources: map[string][]byte{path: []byte(renderSource)}}
	out := renderEvents(t, r, []Event{expr, param})
	assert.Equal(t, " a.go \n"+
		"3 | func f(x int) int {\n"+
		"  |        ^ arg x [int:2] #1: 3 #2: 5\n"+
		"4 | \treturn x + 1\n"+
		"  | \t       ^ expr [int:2] #1: 3 #2: 5\n", out)
}

func TestTextRendererValueForms(t *testing.T) {
	t.Parallel()

	path := "/p/a.go"
	types := sampleEvent(path, 4)
	types.StartCol, types.EndCol = 8, 9
	types.Total = 4
	types.AllValueTypes = map[string]int{"int": 3, "error": 1}

	last := types
	last.LastValue = &ValueSummary{Type: "int", Preview: "v"}

	window := historyEvent(path, 4, "a", "b", "c")
	window.StartCol, window.EndCol = 8, 9
	window.Total = 10

	r := &TextRenderer{Sources: map[string][]byte{path: []byte(renderSource)}}
	assert.Contains(t, renderEvents(t, r, []Event{types}), "^ expr [error:1 int:3] x4\n")
	assert.Contains(t, renderEvents(t, r, []Event{last}), "^ expr [error:1 int:3] ... (+3 more) #4: v\n")
	assert.Contains(t, renderEvents(t, r, []Event{window}), " ... (+7 more) #8: a #9: b #10: c\n")
}

func TestTextRendererNesting(t *testing.T) {
	t.Parallel()

	path := "/p/a.go"
	outer := sampleEvent(path, 4)
	outer.StartCol, outer.EndCol = 8, 13
	outer.Total = 1
	inner := sampleEvent(path, 4)
	inner.StartCol, inner.EndCol = 8, 9
	inner.Total = 1

	r := &TextRenderer{Sources: map[string][]byte{path: []byte(renderSource)}}
	out := renderEvents(t, r, []Event{inner, outer})
	outerIdx := strings.Index(out, "^~~~~ ")
	innerIdx := strings.Index(out, "^ expr")
	require.GreaterOrEqual(t, outerIdx, 0)
	require.GreaterOrEqual(t, innerIdx, 0)
	assert.Less(t, outerIdx, innerIdx) // wider span first
}

func TestTextRendererGapsAndRanges(t *testing.T) {
	t.Parallel()

	path := "/p/a.go"
	first := sampleEvent(path, 1)
	first.Total = 1
	last := sampleEvent(path, 4)
	last.Total = 1
	sources := map[string][]byte{path: []byte(renderSource)}

	t.Run("gap", func(t *testing.T) {
		out := renderEvents(t, &TextRenderer{Sources: sources}, []Event{first, last})
		lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
		require.Len(t, lines, 6)
		assert.Equal(t, "  ⋮", lines[3])
	})

	t.Run("restricted", func(t *testing.T) {
		r := &TextRenderer{Sources: sources, Ranges: FileRanges{path: {{2, 3}}}}
		out := renderEvents(t, r, []Event{first, last})
		assert.NotContains(t, out, "package p")
		assert.NotContains(t, out, "return")
		assert.Contains(t, out, "3 | func f(x int) int {\n")
	})

	t.Run("whole_file", func(t *testing.T) {
		r := &TextRenderer{Sources: sources, Ranges: FileRanges{path: {}}}
		out := renderEvents(t, r, nil)
		for i := 1; i <= 5; i++ {
			assert.Contains(t, out, string(rune('0'+i))+" |")
		}
		assert.NotContains(t, out, "⋮")
	})
}

func TestTextRendererFiles(t *testing.T) {
	t.Parallel()

	b := sampleEvent("/p/b.go", 1)
	b.Total = 1
	missing := sampleEvent("/p/missing.go", 1)
	missing.Total = 1
	r := &TextRenderer{Sources: map[string][]byte{"/p/b.go": []byte("package b\n")}}

	out := renderEvents(t, r, []Event{missing, b})
	bIdx := strings.Index(out, "/p/b.go")
	missingIdx := strings.Index(out, "/p/missing.go (source unavailable")
	require.GreaterOrEqual(t, bIdx, 0)
	require.GreaterOrEqual(t, missingIdx, 0)
	assert.Less(t, bIdx, missingIdx)

	assert.Empty(t, renderEvents(t, r, nil))
}

func TestTextRendererColor(t *testing.T) {
	t.Parallel()

	path := "/p/a.go"
	ev := sampleEvent(path, 4)
	ev.Total = 1
	plain := renderEvents(t, &TextRenderer{Sources: map[string][]byte{path: []byte(renderSource)}}, []Event{ev})
	colored := renderEvents(t, &TextRenderer{Color: true, Sources: map[string][]byte{path: []byte(renderSource)}}, []Event{ev})
	assert.NotContains(t, plain, "\x1b[")
	assert.Contains(t, colored, "return x + 1")
	assert.False(t, IsTerminalWriter(&bytes.Buffer{}))
}

func TestSpanWidth(t *testing.T) {
	t.Parallel()

	ev := Event{StartLine: 1, StartCol: 2, EndLine: 1, EndCol: 6}
	assert.Equal(t, 4, spanWidth(ev, 10))
	assert.Equal(t, 2, spanWidth(ev, 4)) // clamped to the line
	ev.EndLine = 3
	assert.Equal(t, 8, spanWidth(ev, 10))
	ev.StartCol = 12
	assert.Equal(t, 1, spanWidth(ev, 10))
}
