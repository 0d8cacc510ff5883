package lens

import (
	"bytes"
	"cmp"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/term"
	"github.com/go-analyze/bulk"
)

const textValuesShown = 3

var (
	textFileStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62"))
	textLineNumStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))
	textMarkerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	textKindStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("33"))
	textTypeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	textValueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	textGapStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
)

// IsTerminalWriter reports if w is a terminal which can display styled output.
func IsTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(f.Fd())
}

// TextRenderer renders events beneath the source lines they were recorded on.
type TextRenderer struct {
	// Color enables terminal styling.
	Color bool
	// Root is used to display paths relative to a project, may be empty.
	Root string
	// Ranges restricts the output to the selected lines, when set every selected line is shown.
	Ranges FileRanges
	// Sources overrides reading source from disk, keyed by the event file path.
	Sources map[string][]byte
}

func (r *TextRenderer) style(s lipgloss.Style, text string) string {
	if !r.Color {
		return text
	}
	return s.Render(text)
}

func (r *TextRenderer) displayPath(path string) string {
	if r.Root != "" {
		if rel, err := filepath.Rel(r.Root, path); err == nil && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	return path
}

func (r *TextRenderer) source(path string) ([]byte, error) {
	if src, ok := r.Sources[path]; ok {
		return src, nil
	}
	return os.ReadFile(path)
}

// Render writes every file that has events, ordered by path.
func (r *TextRenderer) Render(w io.Writer, events []Event) error {
	byFile := bulk.SliceToGroupsBy(func(e Event) string {
		return e.File
	}, events)
	paths := bulk.MapKeysSlice(byFile)
	for path := range r.Ranges {
		if _, ok := byFile[path]; !ok {
			paths = append(paths, path)
		}
	}
	slices.Sort(paths)

	for i, path := range paths {
		if i > 0 {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}
		src, err := r.source(path)
		if err != nil {
			if _, err := fmt.Fprintf(w, "%s (source unavailable: %v)\n", r.style(textFileStyle, r.displayPath(path)), err); err != nil {
				return err
			}
			continue
		}
		if err := r.renderFile(w, path, src, byFile[path]); err != nil {
			return err
		}
	}
	return nil
}

func (r *TextRenderer) renderFile(w io.Writer, path string, src []byte, events []Event) error {
	lines := strings.Split(strings.TrimSuffix(string(src), "\n"), "\n")
	byLine := make(map[int][]Event)
	for _, e := range events {
		byLine[e.StartLine] = append(byLine[e.StartLine], e)
	}
	ranges, inRanges := r.Ranges[path]
	restricted := inRanges && len(ranges) > 0
	wholeFile := inRanges && len(ranges) == 0

	var buf bytes.Buffer
	buf.WriteString(r.style(textFileStyle, " "+r.displayPath(path)+" "))
	buf.WriteByte('\n')
	width := len(strconv.Itoa(len(lines)))
	lastPrinted := 0
	for idx, line := range lines {
		lineno := idx + 1
		lineEvents := byLine[lineno]
		if restricted {
			if !lineInRanges(ranges, lineno) {
				continue
			}
		} else if len(lineEvents) == 0 && !wholeFile {
			continue
		}
		if lastPrinted != 0 && lineno > lastPrinted+1 {
			buf.WriteString(r.style(textGapStyle, strings.Repeat(" ", width)+" ⋮"))
			buf.WriteByte('\n')
		}
		lastPrinted = lineno

		buf.WriteString(r.style(textLineNumStyle, fmt.Sprintf("%*d |", width, lineno)))
		buf.WriteString(" " + line + "\n")

		slices.SortStableFunc(lineEvents, func(a, b Event) int {
			if c := cmp.Compare(a.StartCol, b.StartCol); c != 0 {
				return c
			}
			return cmp.Compare(spanWidth(b, len(line)), spanWidth(a, len(line)))
		})
		for _, e := range lineEvents {
			buf.WriteString(r.style(textLineNumStyle, strings.Repeat(" ", width)+" |"))
			buf.WriteByte(' ')
			buf.WriteString(r.markerLine(line, e))
			buf.WriteByte('\n')
		}
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// spanWidth is the marked width of the event on its start line.
func spanWidth(e Event, lineLen int) int {
	end := e.EndCol
	if e.EndLine != e.StartLine {
		end = lineLen
	}
	return max(1, min(end, lineLen)-e.StartCol)
}

func (r *TextRenderer) markerLine(line string, e Event) string {
	startCol := min(max(0, e.StartCol), len(line))
	// keep tabs so the marker aligns with the source
	pad := []byte(line[:startCol])
	for i, c := range pad {
		if c != '\t' {
			pad[i] = ' '
		}
	}
	width := spanWidth(e, len(line))
	marker := "^" + strings.Repeat("~", width-1)

	label := string(e.Kind)
	if e.Kind == ProbeParameter && e.Name != "" {
		label = "arg " + e.Name
	}
	return string(pad) + r.style(textMarkerStyle, marker) + " " + r.style(textKindStyle, label) +
		" " + r.style(textTypeStyle, formatTypeCounts(e.AllValueTypes)) + r.formatValues(e)
}

func formatTypeCounts(types map[string]int) string {
	names := bulk.MapKeysSlice(types)
	slices.Sort(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + ":" + strconv.Itoa(types[name])
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func (r *TextRenderer) formatValues(e Event) string {
	var sb strings.Builder
	switch {
	case len(e.SampledValues) > 0:
		shown := e.SampledValues[max(0, len(e.SampledValues)-textValuesShown):]
		if extra := e.Total - len(shown); extra > 0 {
			sb.WriteString(" ... (+" + strconv.Itoa(extra) + " more)")
		}
		first := e.Total - len(shown) + 1
		for i, v := range shown {
			sb.WriteString(" #" + strconv.Itoa(first+i) + ": " + r.style(textValueStyle, v.Preview))
		}
	case e.LastValue != nil:
		if e.Total > 1 {
			sb.WriteString(" ... (+" + strconv.Itoa(e.Total-1) + " more)")
		}
		sb.WriteString(" #" + strconv.Itoa(e.Total) + ": " + r.style(textValueStyle, e.LastValue.Preview))
	default:
		sb.WriteString(" x" + strconv.Itoa(e.Total))
	}
	return sb.String()
}
