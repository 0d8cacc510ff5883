package lens

import (
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func parseTestSource(t *testing.T, src string) SourceFile {
	t.Helper()

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "sample.go", src, parser.ParseComments)
	require.NoError(t, err)
	info, err := TypeCheckFile(fset, file)
	require.NoError(t, err)
	return SourceFile{Path: "sample.go", Fset: fset, File: file, Info: info, PkgName: file.Name.Name}
}

func selectTexts(t *testing.T, src string, ranges []LineRange) (exprs, params []string) {
	t.Helper()

	sf := parseTestSource(t, src)
	sels, err := SelectProbes(sf.Fset, sf.File, sf.Info, ranges)
	require.NoError(t, err)
	for _, sel := range sels {
		switch sel.Kind {
		case ProbeParameter:
			params = append(params, sel.Name)
		default:
			exprs = append(exprs, src[sel.Start:sel.End])
		}
	}
	return exprs, params
}

func TestSelectProbes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		src    string
		exprs  []string
		params []string
	}{
		{
			name: "identifiers_and_params",
			src: `package p

func add(a, b int) int {
	c := a + b
	return c
}
`,
			exprs:  []string{"a + b", "a", "b", "c"},
			params: []string{"a", "b"},
		},
		{
			name: "constants_skipped",
			src: `package p

const k = 3

func f() int {
	return k + 1 + len("ab")
}
`,
		},
		{
			name: "literals_skipped",
			src: `package p

func f() (int, string, bool, error) {
	return 1, "s", true, nil
}
`,
		},
		{
			name: "calls",
			src: `package p

func g() int {
	return h(2)
}

func h(x int) int {
	return x
}
`,
			exprs:  []string{"h(2)", "x"},
			params: []string{"x"},
		},
		{
			name: "tuple_call_skipped",
			src: `package p

func two() (int, int) { return 1, 2 }

func f() int {
	a, b := two()
	return a + b
}
`,
			exprs: []string{"a + b", "a", "b"},
		},
		{
			name: "addressable_operands",
			src: `package p

func f() *struct{ n int } {
	var s struct{ n int }
	s.n = 1
	p := &s
	s.n++
	return p
}
`,
			exprs: []string{"p"},
		},
		{
			name: "pointer_method_operand",
			src: `package p

type T struct{}

func (t *T) M() int { return 0 }

func f() int {
	var v T
	return v.M()
}
`,
			exprs: []string{"v.M()"},
		},
		{
			name: "array_slice_operand",
			src: `package p

func f() []int {
	var arr [4]int
	return arr[1:3]
}
`,
		},
		{
			name: "field_selectors",
			src: `package p

type pt struct{ x int }

func f(v pt) int {
	return v.x
}
`,
			exprs:  []string{"v.x", "v"},
			params: []string{"v"},
		},
		{
			name: "defer_and_go_calls",
			src: `package p

func h(x int) int { return x }

func f(n int) {
	defer h(n)
	go h(n)
}
`,
			exprs:  []string{"x", "n", "n"},
			params: []string{"x", "n"},
		},
		{
			name: "conversion_operand",
			src: `package p

func f(n int) int64 {
	return int64(n)
}
`,
			exprs:  []string{"int64(n)", "n"},
			params: []string{"n"},
		},
		{
			name: "operators",
			src: `package p

func f(a []int, p *int, i int, ok bool) int {
	n := -a[i]
	if !ok {
		n += *p
	}
	return n + 1
}
`,
			exprs:  []string{"-a[i]", "a[i]", "a", "i", "!ok", "ok", "*p", "p", "n + 1", "n"},
			params: []string{"a", "p", "i", "ok"},
		},
		{
			name: "addressable_index",
			src: `package p

func f(a []int, i int) *int {
	a[i] = 1
	a[i]++
	return &a[i]
}
`,
			exprs:  []string{"i", "i", "i"},
			params: []string{"a", "i"},
		},
		{
			name: "context_typed_operators",
			src: `package p

type flag bool

func f(x, y int) (flag, int64) {
	var b flag = x == y
	var w int64 = 1 << x
	return b, w
}
`,
			exprs:  []string{"x", "y", "x", "b", "w"},
			params: []string{"x", "y"},
		},
		{
			name: "receive_operands",
			src: `package p

func f(ch chan int, m map[string]int) int {
	select {
	case v := <-ch:
		return v
	case <-ch:
	}
	n, ok := m["k"]
	if ok {
		return n
	}
	return <-ch
}
`,
			exprs:  []string{"ch", "v", "ch", "m", "ok", "n", "<-ch", "ch"},
			params: []string{"ch", "m"},
		},
		{
			name: "constant_calls",
			src: `package p

import "unsafe"

type header struct{ a, b int64 }

func f(h header, arr [4]int) uintptr {
	n := len(arr) + 1
	return unsafe.Offsetof(h.b) + uintptr(n)
}
`,
			exprs:  []string{"n"},
			params: []string{"h", "arr"},
		},
		{
			name: "blank_params_skipped",
			src: `package p

func f(_ int, b int) {}
`,
			params: []string{"b"},
		},
		{
			name: "struct_keys_skipped",
			src: `package p

type pt struct{ x int }

func f(n int) pt {
	return pt{x: n}
}
`,
			exprs:  []string{"n"},
			params: []string{"n"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			exprs, params := selectTexts(t, tc.src, nil)
			assert.Equal(t, tc.exprs, exprs)
			assert.Equal(t, tc.params, params)
		})
	}
}

func TestSelectProbesCallSpan(t *testing.T) {
	t.Parallel()

	src := `package p

func apply(n int, fn func(int) int) int { return fn(n) }

func f() int {
	return apply(1, func(v int) int {
		return v
	})
}
`
	sf := parseTestSource(t, src)
	sels, err := SelectProbes(sf.Fset, sf.File, sf.Info, []LineRange{{Start: 6, End: 6}})
	require.NoError(t, err)
	require.NotEmpty(t, sels)

	call := sels[0]
	text := src[call.Start:call.End]
	assert.True(t, strings.HasPrefix(text, "apply(1, func"))
	assert.True(t, strings.HasSuffix(text, "})"))
	assert.Equal(t, Span{StartLine: 6, StartCol: 8, EndLine: 8, EndCol: 3}, call.Span)
}

func TestSelectProbesLineRanges(t *testing.T) {
	t.Parallel()

	src := `package p

func f(a int) int {
	b := a
	c := b
	return c
}
`
	exprs, params := selectTexts(t, src, []LineRange{{Start: 5, End: 6}})
	assert.Equal(t, []string{"b", "c"}, exprs)
	assert.Empty(t, params) // parameter list is on line 3

	exprs, params = selectTexts(t, src, []LineRange{{Start: 3, End: 3}})
	assert.Empty(t, exprs)
	assert.Equal(t, []string{"a"}, params)
}

func TestSelectProbesRangeExclusion(t *testing.T) {
	src := `package p

func f(a, b, c, d int) int {
	v := a
	v += b
	v += c
	v += d
	return v
}
`
	sf := parseTestSource(t, src)
	rapid.Check(t, func(t *rapid.T) {
		excluded := rapid.IntRange(1, 9).Draw(t, "excluded")
		var ranges []LineRange
		if excluded > 1 {
			ranges = append(ranges, LineRange{Start: 1, End: excluded - 1})
		}
		ranges = append(ranges, LineRange{Start: excluded + 1, End: 20})

		sels, err := SelectProbes(sf.Fset, sf.File, sf.Info, ranges)
		require.NoError(t, err)
		for _, sel := range sels {
			assert.NotEqual(t, excluded, sel.Span.StartLine)
		}
	})
}

func TestSelectProbesCgo(t *testing.T) {
	t.Parallel()

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "cgo.go", "package p\n\nimport \"C\"\n", 0)
	require.NoError(t, err)

	_, err = SelectProbes(fset, file, nil, nil)
	require.ErrorIs(t, err, ErrUnsupportedFile)
	assert.True(t, IsNormalInstrumentError(err))
}

func TestSelectProbesNeverLiteral(t *testing.T) {
	t.Parallel()

	src := `package p

type pair struct{ a, b any }

func f(x int) []any {
	s := "str"
	var e error = nil
	out := []any{1, 2.5, "lit", true, nil, 'r', x, s, e}
	out = append(out, pair{a: 1, b: "b"}, map[string]int{"k": 3})
	return out
}
`
	sf := parseTestSource(t, src)
	sels, err := SelectProbes(sf.Fset, sf.File, sf.Info, nil)
	require.NoError(t, err)
	require.NotEmpty(t, sels)

	type offsets struct{ start, end int }
	literals := make(map[offsets]bool)
	ast.Inspect(sf.File, func(n ast.Node) bool {
		switch node := n.(type) {
		case *ast.BasicLit:
			literals[offsets{sf.Fset.Position(node.Pos()).Offset, sf.Fset.Position(node.End()).Offset}] = true
		case *ast.Ident:
			if node.Name == "nil" || node.Name == "true" || node.Name == "false" {
				literals[offsets{sf.Fset.Position(node.Pos()).Offset, sf.Fset.Position(node.End()).Offset}] = true
			}
		}
		return true
	})
	require.NotEmpty(t, literals)
	for _, sel := range sels {
		assert.False(t, literals[offsets{sel.Start, sel.End}], "literal selected: %q", src[sel.Start:sel.End])
	}
}

const typeCheckSample = `package sample

type point struct{ x, y int }

func (p *point) move(dx int) { p.x += dx }

func (p point) sum() int { return p.x + p.y }

type pair[T any] struct{ a, b T }

func first[T any](p pair[T]) T { return p.a }

func sample(values []int, names map[string]int) (total int) {
	var arr [4]int
	s := arr[1:3]
	pt := point{x: 1, y: values[0]}
	pt.move(len(values))
	total = pt.sum() + s[0]
	for i, v := range values {
		if v > i {
			total += v
		}
	}
	names["k"] = total
	ptr := &pt
	ptr.y++
	f := func(n int) int { return n * total }
	ch := make(chan int, 1)
	go func() { ch <- f(2) }()
	total += <-ch
	var boxed interface{} = total
	switch x := boxed.(type) {
	case int:
		total += x
	}
	p := pair[int]{a: total, b: 2}
	total += first(p)
	total += first[int](p)
outer:
	for j := 0; j < 2; j++ {
		if j == 1 {
			break outer
		}
	}
	return total
}
`

// typeCheckInstrumented rewrites src and type checks the result against a local generic stand-in
// for the recorder, which keeps the check free of the injected package.
func typeCheckInstrumented(t *testing.T, src string) (*Registry, string) {
	t.Helper()

	sf := parseTestSource(t, src)
	reg := NewRegistry()
	out, err := InstrumentSource(reg, "sample.go", []byte(src), sf, nil, "lensrt")
	require.NoError(t, err)

	rewritten := strings.ReplaceAll(string(out), "lensrt.R(", "lensrtR(") +
		"\nfunc lensrtR[T any](id uint32, v T) T { return v }\n"
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "sample.go", rewritten, 0)
	require.NoError(t, err)
	_, err = TypeCheckFile(fset, file)
	require.NoError(t, err, rewritten)
	return reg, rewritten
}

func TestInstrumentSourceTypeChecks(t *testing.T) {
	t.Parallel()

	reg, rewritten := typeCheckInstrumented(t, typeCheckSample)
	assert.Greater(t, reg.Len(), 20)

	// lines of the original source are unchanged in count
	assert.Equal(t, strings.Count(typeCheckSample, "\n")+2, strings.Count(rewritten, "\n"))
}

const operatorSample = `package sample

import "unsafe"

type flag bool

type header struct{ a, b int64 }

func operators(h header, p *int, m map[string]int, ch chan int, x, y int) (flag, int64, bool) {
	var f flag = x == y
	var wide int64 = 1 << x
	v, ok := m["k"]
	if !ok && v > 0 || x != y {
		*p = -v
	}
	select {
	case n := <-ch:
		x += n
	case <-ch:
	}
	arr := [3]int{x, y, *p}
	q := &arr[1]
	*q = arr[0] + arr[2]
	same := arr[0] == arr[1]
	off := unsafe.Offsetof(h.b) + uintptr(len(arr))
	return f && flag(same), wide + int64(off) + int64(x^y), !same
}
`

func TestInstrumentSourceOperatorsTypeCheck(t *testing.T) {
	t.Parallel()

	_, rewritten := typeCheckInstrumented(t, operatorSample)
	assert.Regexp(t, `lensrtR\(\d+, lensrtR\(\d+, x\)\^lensrtR\(\d+, y\)\)`, rewritten)
	assert.NotContains(t, rewritten, "flag = lensrtR(")
	assert.NotContains(t, rewritten, "int64 = lensrtR(")
	assert.Contains(t, rewritten, "case n := <-lensrtR(")
	assert.Contains(t, rewritten, "unsafe.Offsetof(h.b)")
}

func TestSelectOperatorSpan(t *testing.T) {
	t.Parallel()

	src := "package p\n\nfunc f(x int) int {\n\treturn x + 1\n}\n"
	sf := parseTestSource(t, src)
	sels, err := SelectProbes(sf.Fset, sf.File, sf.Info, []LineRange{{Start: 4, End: 4}})
	require.NoError(t, err)
	require.Len(t, sels, 2)
	assert.Equal(t, "x + 1", src[sels[0].Start:sels[0].End])
	assert.Equal(t, Span{StartLine: 4, StartCol: 8, EndLine: 4, EndCol: 13}, sels[0].Span)
	assert.Equal(t, Span{StartLine: 4, StartCol: 8, EndLine: 4, EndCol: 9}, sels[1].Span)
}

func TestInstrumentSourceSpansMatchOffsets(t *testing.T) {
	t.Parallel()

	sf := parseTestSource(t, typeCheckSample)
	sels, err := SelectProbes(sf.Fset, sf.File, sf.Info, nil)
	require.NoError(t, err)

	lineStarts := []int{0}
	for i, c := range typeCheckSample {
		if c == '\n' {
			lineStarts = append(lineStarts, i+1)
		}
	}
	for _, sel := range sels {
		assert.Equal(t, sel.Start, lineStarts[sel.Span.StartLine-1]+sel.Span.StartCol)
		assert.Equal(t, sel.End, lineStarts[sel.Span.EndLine-1]+sel.Span.EndCol)
		if sel.Kind == ProbeExpression {
			_, err := parser.ParseExpr(typeCheckSample[sel.Start:sel.End])
			assert.NoError(t, err, typeCheckSample[sel.Start:sel.End])
		}
	}
}
