package lens

import (
	"bytes"
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// InsertRole identifies the purpose of an inserted fragment, which decides its order relative to other
// fragments at the same offset.
type InsertRole int

const (
	// RoleClose terminates a wrapped expression.
	RoleClose InsertRole = iota
	// RoleParamPrefix is a statement prefixed into a function body.
	RoleParamPrefix
	// RoleOpen starts a wrapped expression.
	RoleOpen
)

// InsertionItem is a single fragment of text to insert before the byte at Offset.
// SpanLen is the byte length of the wrapped expression for open and close items.
type InsertionItem struct {
	Offset  int
	Text    string
	Role    InsertRole
	SpanLen int
}

// sortInsertions orders items by offset and at equal offsets places closes (innermost first),
// then parameter prefixes, then opens (outermost first). Ties keep their relative input order.
func sortInsertions(items []InsertionItem) {
	slices.SortStableFunc(items, func(a, b InsertionItem) int {
		if c := cmp.Compare(a.Offset, b.Offset); c != 0 {
			return c
		} else if c := cmp.Compare(a.Role, b.Role); c != 0 {
			return c
		}
		switch a.Role {
		case RoleClose:
			return cmp.Compare(a.SpanLen, b.SpanLen)
		case RoleOpen:
			return cmp.Compare(b.SpanLen, a.SpanLen)
		}
		return 0
	})
}

// ApplyInsertions returns src with every item inserted. Original bytes are preserved in order, and since
// inserted text may not contain a newline the line of every original byte is unchanged.
func ApplyInsertions(src []byte, items []InsertionItem) ([]byte, error) {
	if len(items) == 0 {
		return slices.Clone(src), nil
	}
	sorted := slices.Clone(items)
	sortInsertions(sorted)

	var extra int
	for _, item := range sorted {
		if item.Offset < 0 || item.Offset > len(src) {
			return nil, fmt.Errorf("insertion offset %d out of range [0, %d]", item.Offset, len(src))
		} else if strings.ContainsAny(item.Text, "\r\n") {
			return nil, fmt.Errorf("insertion at offset %d contains a line break: %q", item.Offset, item.Text)
		}
		extra += len(item.Text)
	}

	// emitting the sorted plan front to back gives the same result as splicing each item from the tail
	var buf bytes.Buffer
	buf.Grow(len(src) + extra)
	var prev int
	for _, item := range sorted {
		buf.Write(src[prev:item.Offset])
		buf.WriteString(item.Text)
		prev = item.Offset
	}
	buf.Write(src[prev:])
	return buf.Bytes(), nil
}

func probeOpenText(rtPkg string, id uint32) string {
	return rtPkg + ".R(" + strconv.FormatUint(uint64(id), 10) + ", "
}

func probeCloseText() string {
	return ")"
}

func probeParamText(rtPkg string, id uint32, name string) string {
	return rtPkg + ".R(" + strconv.FormatUint(uint64(id), 10) + ", " + name + "); "
}
