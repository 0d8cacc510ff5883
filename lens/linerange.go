package lens

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/go-analyze/bulk"
)

// LineRange is an inclusive range of 1-based source lines.
type LineRange struct {
	Start, End int
}

// Contains reports if the line is within the range.
func (r LineRange) Contains(line int) bool {
	return line >= r.Start && line <= r.End
}

func (r LineRange) String() string {
	if r.Start == r.End {
		return strconv.Itoa(r.Start)
	}
	return strconv.Itoa(r.Start) + "-" + strconv.Itoa(r.End)
}

// FileRanges maps absolute file paths to the lines selected for instrumentation.
// A nil FileRanges selects every file. A file mapped to an empty slice is selected in whole,
// while a file absent from a non-nil map is not selected at all.
type FileRanges map[string][]LineRange

// Includes reports if any line of the file is selected.
func (fr FileRanges) Includes(path string) bool {
	if fr == nil {
		return true
	}
	_, ok := fr[path]
	return ok
}

// For returns the ranges for a file, an empty result means the whole file.
func (fr FileRanges) For(path string) []LineRange {
	if fr == nil {
		return nil
	}
	return fr[path]
}

// Add appends ranges for a file. Adding no ranges marks the file as whole, which later additions do not narrow.
func (fr FileRanges) Add(path string, ranges ...LineRange) {
	existing, ok := fr[path]
	if len(ranges) == 0 {
		fr[path] = []LineRange{}
		return
	} else if ok && len(existing) == 0 {
		return // already whole file
	}
	fr[path] = append(existing, ranges...)
}

// Merge adds every file range from other into fr.
func (fr FileRanges) Merge(other FileRanges) {
	for path, ranges := range other {
		fr.Add(path, ranges...)
	}
}

// Normalize sorts and coalesces the ranges of each file, overlapping or adjacent ranges are joined.
func (fr FileRanges) Normalize() {
	for path, ranges := range fr {
		fr[path] = normalizeLineRanges(ranges)
	}
}

// LineCount returns the number of selected lines across all files, whole files are not counted.
func (fr FileRanges) LineCount() int {
	var count int
	for _, ranges := range fr {
		for _, r := range ranges {
			count += r.End - r.Start + 1
		}
	}
	return count
}

func normalizeLineRanges(ranges []LineRange) []LineRange {
	if len(ranges) == 0 {
		return ranges
	}
	sorted := make([]LineRange, len(ranges))
	for i, r := range ranges {
		if r.Start > r.End {
			r.Start, r.End = r.End, r.Start
		}
		r.Start = max(1, r.Start)
		sorted[i] = r
	}
	slices.SortFunc(sorted, func(a, b LineRange) int {
		if a.Start != b.Start {
			return a.Start - b.Start
		}
		return a.End - b.End
	})
	result := sorted[:1]
	for _, r := range sorted[1:] {
		last := &result[len(result)-1]
		if r.Start <= last.End+1 {
			last.End = max(last.End, r.End)
		} else {
			result = append(result, r)
		}
	}
	return result
}

// lineInRanges reports if the line is selected, an empty range set selects every line.
func lineInRanges(ranges []LineRange, line int) bool {
	if len(ranges) == 0 {
		return true
	}
	for _, r := range ranges {
		if r.Contains(line) {
			return true
		}
	}
	return false
}

var errInvalidRangeSpec = errors.New("invalid range (expected FILE or FILE:1-5,10-12)")

// ParseRangeSpecs parses specs of the form FILE or FILE:1-5,10-12 relative to baseDir.
// A nil result is returned when no specs are provided, meaning no restriction.
func ParseRangeSpecs(baseDir string, specs []string) (FileRanges, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	result := make(FileRanges)
	for _, spec := range specs {
		filePart, rangePart, _ := strings.Cut(spec, ":")
		filePart = strings.TrimSpace(filePart)
		if filePart == "" {
			return nil, fmt.Errorf("%w: %q", errInvalidRangeSpec, spec)
		}
		path := filePart
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		path = filepath.Clean(path)
		if strings.TrimSpace(rangePart) == "" {
			result.Add(path)
			continue
		}

		var ranges []LineRange
		for _, seg := range strings.Split(rangePart, ",") {
			r, err := parseRangeSegment(strings.TrimSpace(seg))
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %w", errInvalidRangeSpec, spec, err)
			}
			ranges = append(ranges, r)
		}
		result.Add(path, ranges...)
	}
	result.Normalize()
	return result, nil
}

func parseRangeSegment(seg string) (LineRange, error) {
	startStr, endStr, isSpan := strings.Cut(seg, "-")
	start, err := strconv.Atoi(startStr)
	if err != nil || start < 1 {
		return LineRange{}, fmt.Errorf("invalid segment %q (expected N-M)", seg)
	} else if !isSpan {
		return LineRange{Start: start, End: start}, nil
	}
	end, err := strconv.Atoi(endStr)
	if err != nil || end < 1 {
		return LineRange{}, fmt.Errorf("invalid segment %q (expected N-M)", seg)
	}
	return LineRange{Start: start, End: end}, nil
}

// SerializeRangeSpecs renders the ranges as ';' separated specs that ParseRangeSpecs accepts.
// Files are sorted for a stable output.
func SerializeRangeSpecs(fr FileRanges) string {
	if fr == nil {
		return ""
	}
	paths := bulk.MapKeysSlice(fr)
	slices.Sort(paths)
	specs := make([]string, 0, len(paths))
	for _, path := range paths {
		ranges := fr[path]
		if len(ranges) == 0 {
			specs = append(specs, path)
			continue
		}
		segs := make([]string, len(ranges))
		for i, r := range ranges {
			segs[i] = r.String()
		}
		specs = append(specs, path+":"+strings.Join(segs, ","))
	}
	return strings.Join(specs, ";")
}

// SplitRangeEnv splits a ';' separated range env value into individual specs.
func SplitRangeEnv(value string) []string {
	specs := strings.Split(value, ";")
	for i := range specs {
		specs[i] = strings.TrimSpace(specs[i])
	}
	return bulk.SliceFilterInPlace(func(s string) bool {
		return s != ""
	}, specs)
}
