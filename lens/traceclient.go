package lens

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// constants for the recorder configuration, these values will be filled in via AST injection.
const (
	lensCollectMode     = 3
	lensMaxSamples      = 3
	lensPreviewMaxRunes = 120
)

const lensDefaultResultsFile = "lenstrace_recorded.json"

var (
	lensDefaultRecorder = NewRecorder(CollectMode(lensCollectMode), lensMaxSamples, nil)
	lensFlushOnce       sync.Once
)

// R records v for the probe id on the process recorder and returns v unchanged.
func R[T any](id uint32, v T) T {
	return recordValue(lensDefaultRecorder, id, v)
}

// recordValue records v on r. Types mode only needs the dynamic type, so v is not converted to an
// interface unless T is already one.
func recordValue[T any](r *Recorder, id uint32, v T) T {
	if r.mode != CollectTypes {
		r.Record(id, v)
		return v
	}
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if typ.Kind() == reflect.Interface {
		typ = reflect.TypeOf(any(v))
	}
	e := r.entry(id)
	e.mu.Lock()
	e.total++
	e.types[typ]++
	e.mu.Unlock()
	return v
}

// Flush writes the process recorder results, only the first invocation has any effect.
func Flush() {
	lensFlushOnce.Do(func() {
		if err := lensDefaultRecorder.WriteResults(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "lenstrace: failed to write results: %v\n", err)
		}
	})
}

// FlushAfter flushes the process recorder and returns code, allowing os.Exit(FlushAfter(m.Run())).
func FlushAfter(code int) int {
	Flush()
	return code
}

type recordEntry struct {
	mu     sync.Mutex
	total  int
	types  map[reflect.Type]int
	last   any
	ring   []any
	cursor int
}

// recordTable is swapped as a whole so that Reset never races with Record.
type recordTable struct {
	locations []ProbeLocation // indexed by probe id, index 0 is never valid
	slots     []atomic.Pointer[recordEntry]
}

// Recorder aggregates values per probe id according to a CollectMode.
// Record may be invoked concurrently.
type Recorder struct {
	mode       CollectMode
	maxSamples int
	table      atomic.Pointer[recordTable]
}

// NewRecorder creates a Recorder for the provided locations.
// Unknown modes fall back to CollectHistory and maxSamples is raised to at least 1.
func NewRecorder(mode CollectMode, maxSamples int, locations []ProbeLocation) *Recorder {
	switch mode {
	case CollectLast, CollectTypes, CollectHistory:
	default:
		mode = CollectHistory
	}
	r := &Recorder{
		mode:       mode,
		maxSamples: max(1, maxSamples),
	}
	r.SetLocations(locations)
	return r
}

// Mode returns the collection mode of the recorder.
func (r *Recorder) Mode() CollectMode {
	return r.mode
}

// MaxSamples returns the history capacity per probe.
func (r *Recorder) MaxSamples() int {
	return r.maxSamples
}

// SetLocations replaces the known probe locations, discarding any recorded values.
func (r *Recorder) SetLocations(locations []ProbeLocation) {
	var maxID uint32
	for _, loc := range locations {
		maxID = max(maxID, loc.ID)
	}
	byID := make([]ProbeLocation, maxID+1)
	for _, loc := range locations {
		if loc.ID != 0 {
			byID[loc.ID] = loc
		}
	}
	r.table.Store(&recordTable{
		locations: byID,
		slots:     make([]atomic.Pointer[recordEntry], len(byID)),
	})
}

// Reset discards all recorded values while keeping the registered locations.
func (r *Recorder) Reset() {
	current := r.table.Load()
	r.table.Store(&recordTable{
		locations: current.locations,
		slots:     make([]atomic.Pointer[recordEntry], len(current.locations)),
	})
}

// Record adds v to the aggregate for id. An id without a registered location indicates a rewrite defect and panics.
func (r *Recorder) Record(id uint32, v any) {
	e := r.entry(id)
	typ := reflect.TypeOf(v)

	e.mu.Lock()
	e.total++
	e.types[typ]++
	switch r.mode {
	case CollectLast:
		e.last = v
	case CollectHistory:
		e.ring[e.cursor] = v
		e.cursor = (e.cursor + 1) % len(e.ring)
	}
	e.mu.Unlock()
}

// entry returns the aggregate for id, creating it on first use.
func (r *Recorder) entry(id uint32) *recordEntry {
	t := r.table.Load()
	if id == 0 || int(id) >= len(t.slots) || t.locations[id].ID == 0 {
		panic(fmt.Errorf("lens: unregistered probe id %d (%d locations known)", id, len(t.slots)-1))
	}
	slot := &t.slots[id]
	e := slot.Load()
	if e == nil {
		e = r.newEntry()
		if !slot.CompareAndSwap(nil, e) {
			e = slot.Load()
		}
	}
	return e
}

func (r *Recorder) newEntry() *recordEntry {
	e := &recordEntry{types: make(map[reflect.Type]int, 1)}
	if r.mode == CollectHistory {
		e.ring = make([]any, r.maxSamples)
	}
	return e
}

// entrySnapshot is copied out under the entry lock so value formatting happens without it held.
type entrySnapshot struct {
	total   int
	types   map[reflect.Type]int
	last    any
	samples []any
}

func (e *recordEntry) snapshot() entrySnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := entrySnapshot{
		total: e.total,
		types: make(map[reflect.Type]int, len(e.types)),
		last:  e.last,
	}
	for typ, n := range e.types {
		s.types[typ] = n
	}
	if len(e.ring) > 0 {
		if e.total < len(e.ring) {
			s.samples = append(s.samples, e.ring[:e.total]...)
		} else { // full ring, oldest value is at the cursor
			s.samples = make([]any, 0, len(e.ring))
			s.samples = append(s.samples, e.ring[e.cursor:]...)
			s.samples = append(s.samples, e.ring[:e.cursor]...)
		}
	}
	return s
}

// Events exports one Event per probe which recorded at least one value, ordered by probe id.
func (r *Recorder) Events() []Event {
	t := r.table.Load()
	events := make([]Event, 0)
	for id := 1; id < len(t.slots); id++ {
		e := t.slots[id].Load()
		if e == nil {
			continue
		}
		events = append(events, r.exportEntry(t.locations[id], e.snapshot()))
	}
	return events
}

func (r *Recorder) exportEntry(loc ProbeLocation, s entrySnapshot) Event {
	ev := Event{
		File:          loc.File,
		StartLine:     loc.StartLine,
		StartCol:      loc.StartCol,
		EndLine:       loc.EndLine,
		EndCol:        loc.EndCol,
		Kind:          loc.Kind,
		Name:          loc.Name,
		Total:         s.total,
		AllValueTypes: make(map[string]int, len(s.types)),
	}
	for typ, n := range s.types {
		ev.AllValueTypes[lensTypeName(typ)] += n
	}
	switch r.mode {
	case CollectLast:
		last := SummarizeValue(s.last)
		ev.LastValue = &last
	case CollectHistory:
		ev.SampledValues = make([]ValueSummary, len(s.samples))
		for i, v := range s.samples {
			ev.SampledValues[i] = SummarizeValue(v)
		}
	}
	return ev
}

// WriteResults writes the events to the results dir when running under tracelens, otherwise to a json file.
func (r *Recorder) WriteResults() error {
	path := os.Getenv(EnvJsonOutput)
	if dir := os.Getenv(EnvResultsDir); dir != "" {
		path = filepath.Join(dir, ChildResultsFilename(os.Getpid(), time.Now()))
	} else if path == "" {
		path = lensDefaultResultsFile
	}
	return r.WriteEventsFile(path)
}

// WriteEventsFile writes the exported events as a json array readable only by the owner.
func (r *Recorder) WriteEventsFile(path string) error {
	data, err := json.Marshal(r.Events())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ChildResultsFilename provides the unique per-process results filename.
func ChildResultsFilename(pid int, ts time.Time) string {
	return fmt.Sprintf("%s%d_%d_%06d.json", ChildResultsPrefix, pid, ts.Unix(), ts.Nanosecond()/1000)
}

func lensTypeName(typ reflect.Type) string {
	if typ == nil {
		return "nil"
	}
	return typ.String()
}

// lensPreviewMaxBytes bounds the formatted text of a value, leaving room for lensPreviewMaxRunes of any
// encoding followed by at least one more rune.
const lensPreviewMaxBytes = (lensPreviewMaxRunes + 1) * utf8.UTFMax

// SummarizeValue renders a value into a bounded preview.
// Collections are formatted only until the preview is full, so their size does not affect the cost.
// Formatting failures inside user String methods are captured by fmt rather than propagated.
func SummarizeValue(v any) ValueSummary {
	summary := ValueSummary{Type: lensTypeName(reflect.TypeOf(v))}
	w := &previewWriter{limit: lensPreviewMaxBytes}
	writeText := func(text string) {
		summary.Length = utf8.RuneCountInString(text)
		w.WriteString(text)
	}
	if v == nil {
		w.WriteString("nil")
	} else if err, ok := v.(error); ok {
		writeText(fmt.Sprint(err))
	} else {
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.String:
			summary.Length = utf8.RuneCountInString(rv.String())
			w.writeQuoted(rv.String())
		case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
			reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
			writeText(fmt.Sprint(v))
		case reflect.Slice, reflect.Array, reflect.Map, reflect.Chan:
			summary.Length = rv.Len()
			w.goSyntax(rv, 0)
		default:
			w.goSyntax(rv, 0)
		}
	}

	preview := string(w.buf)
	if w.dropped || utf8.RuneCountInString(preview) > lensPreviewMaxRunes {
		runes := []rune(preview)
		if !w.dropped {
			summary.Length = len(runes)
		}
		preview = string(runes[:lensPreviewMaxRunes]) + "..."
	} else {
		summary.Length = 0
	}
	summary.Preview = preview
	return summary
}

// previewWriter keeps at most limit bytes, recording whether anything was dropped.
type previewWriter struct {
	buf     []byte
	limit   int
	dropped bool
}

func (w *previewWriter) full() bool {
	return len(w.buf) >= w.limit
}

func (w *previewWriter) WriteString(s string) {
	if room := w.limit - len(w.buf); len(s) > room {
		s = s[:max(0, room)]
		w.dropped = true
	}
	w.buf = append(w.buf, s...)
}

// writeQuoted quotes only the prefix of s that can still fit.
func (w *previewWriter) writeQuoted(s string) {
	if room := w.limit - len(w.buf); len(s) > room {
		cut := max(0, room)
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
		w.dropped = true
	}
	w.WriteString(strconv.Quote(s))
}

// goSyntax writes rv the way the %#v verb does, stopping once the writer is full.
func (w *previewWriter) goSyntax(rv reflect.Value, depth int) {
	if w.full() {
		w.dropped = true
		return
	}
	if rv.IsValid() && rv.CanInterface() {
		if gs, ok := rv.Interface().(fmt.GoStringer); ok && (rv.Kind() != reflect.Pointer || !rv.IsNil()) {
			w.WriteString(fmt.Sprintf("%#v", gs))
			return
		}
	}
	switch rv.Kind() {
	case reflect.Invalid:
		w.WriteString("<invalid reflect.Value>")
	case reflect.Bool:
		w.WriteString(strconv.FormatBool(rv.Bool()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		w.WriteString(strconv.FormatInt(rv.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		w.WriteString("0x" + strconv.FormatUint(rv.Uint(), 16))
	case reflect.Float32:
		w.WriteString(strconv.FormatFloat(rv.Float(), 'g', -1, 32))
	case reflect.Float64:
		w.WriteString(strconv.FormatFloat(rv.Float(), 'g', -1, 64))
	case reflect.Complex64, reflect.Complex128:
		w.WriteString(strconv.FormatComplex(rv.Complex(), 'g', -1, rv.Type().Bits()))
	case reflect.String:
		w.writeQuoted(rv.String())
	case reflect.Interface:
		if rv.IsNil() {
			w.WriteString(rv.Type().String() + "(nil)")
		} else {
			w.goSyntax(rv.Elem(), depth)
		}
	case reflect.Struct:
		w.WriteString(rv.Type().String() + "{")
		for i := 0; i < rv.NumField() && !w.full(); i++ {
			if i > 0 {
				w.WriteString(", ")
			}
			w.WriteString(rv.Type().Field(i).Name + ":")
			w.goSyntax(rv.Field(i), depth+1)
		}
		w.WriteString("}")
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			w.WriteString(rv.Type().String() + "(nil)")
			return
		}
		w.WriteString(rv.Type().String() + "{")
		for i := 0; i < rv.Len() && !w.full(); i++ {
			if i > 0 {
				w.WriteString(", ")
			}
			w.goSyntax(rv.Index(i), depth+1)
		}
		w.WriteString("}")
	case reflect.Map:
		if rv.IsNil() {
			w.WriteString(rv.Type().String() + "(nil)")
			return
		}
		w.WriteString(rv.Type().String() + "{")
		var keys []reflect.Value
		if rv.Len() <= lensPreviewMaxRunes { // small maps print in key order like fmt
			keys = rv.MapKeys()
			sort.SliceStable(keys, func(i, j int) bool { return lensKeyLess(keys[i], keys[j]) })
		} else {
			iter := rv.MapRange()
			for len(keys) < lensPreviewMaxRunes && iter.Next() {
				keys = append(keys, iter.Key())
			}
		}
		for i, k := range keys {
			if w.full() {
				w.dropped = true
				break
			} else if i > 0 {
				w.WriteString(", ")
			}
			w.goSyntax(k, depth+1)
			w.WriteString(":")
			w.goSyntax(rv.MapIndex(k), depth+1)
		}
		if len(keys) < rv.Len() {
			w.dropped = true
		}
		w.WriteString("}")
	case reflect.Pointer:
		if depth == 0 && !rv.IsNil() {
			switch rv.Elem().Kind() {
			case reflect.Struct, reflect.Array, reflect.Slice, reflect.Map:
				w.WriteString("&")
				w.goSyntax(rv.Elem(), depth+1)
				return
			}
		}
		w.writePointer(rv)
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		w.writePointer(rv)
	}
}

func (w *previewWriter) writePointer(rv reflect.Value) {
	if rv.IsNil() {
		w.WriteString("(" + rv.Type().String() + ")(nil)")
		return
	}
	w.WriteString("(" + rv.Type().String() + ")(0x" + strconv.FormatUint(uint64(rv.Pointer()), 16) + ")")
}

// lensKeyLess orders map keys of the basic kinds, other keys keep their order.
func lensKeyLess(a, b reflect.Value) bool {
	switch a.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return a.Int() < b.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return a.Uint() < b.Uint()
	case reflect.Float32, reflect.Float64:
		return a.Float() < b.Float()
	case reflect.String:
		return a.String() < b.String()
	case reflect.Bool:
		return !a.Bool() && b.Bool()
	}
	return false
}
