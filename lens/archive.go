package lens

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/vmihailenco/msgpack/v5"
)

// RunRecord is an archived trace run.
type RunRecord struct {
	ID         string        `msgpack:"id"`
	StartTime  time.Time     `msgpack:"start"`
	Duration   time.Duration `msgpack:"duration"`
	ProjectDir string        `msgpack:"project"`
	Command    string        `msgpack:"command"`
	ExitCode   int           `msgpack:"exit"`
	OutputTail string        `msgpack:"output_tail"`
	Mode       string        `msgpack:"mode"`
	MaxSamples int           `msgpack:"max_samples"`
	Ranges     string        `msgpack:"ranges"`
	ProbeCount int           `msgpack:"probes"`
	EventCount int           `msgpack:"events"`

	// Events and Sources are stored apart from the header so listing runs stays cheap.
	Events  []Event           `msgpack:"-"`
	Sources map[string][]byte `msgpack:"-"`
}

// NewRunRecord creates a record with a fresh id.
func NewRunRecord(start time.Time) RunRecord {
	return RunRecord{ID: uuid.NewString(), StartTime: start}
}

var ErrRunNotFound = errors.New("run not found")

// Archive persists run records. Layout by key namespace:
//
//	run;<id>                header, msgpack
//	events;<id>             events, msgpack then zstd
//	src;<id>;<path>         source snapshot, snappy
//	loc;<fingerprint>;<id>  location key string, runs that recorded a location
type Archive struct {
	store   Storage
	runs    Storage
	events  Storage
	sources Storage
	index   Storage
}

// NewArchive creates an Archive over store, closing the archive closes the store.
func NewArchive(store Storage) *Archive {
	return &Archive{
		store:   store,
		runs:    KeyPrefixStorage(store, "run"),
		events:  KeyPrefixStorage(store, "events"),
		sources: KeyPrefixStorage(store, "src"),
		index:   KeyPrefixStorage(store, "loc"),
	}
}

// OpenArchive opens the badger backed archive in dir.
func OpenArchive(dir string, cacheMB int, debug bool) (*Archive, error) {
	store, err := OpenBadgerStorage(dir, cacheMB, debug)
	if err != nil {
		return nil, err
	}
	return NewArchive(store), nil
}

func (a *Archive) Close() error {
	return a.store.Close()
}

// Save stores the record, its events, its sources, and indexes every recorded location.
func (a *Archive) Save(rec RunRecord) error {
	if rec.ID == "" {
		return errors.New("run record missing id")
	}
	rec.EventCount = len(rec.Events)
	header, err := msgpack.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode run header: %w", err)
	}
	events := rec.Events
	if events == nil {
		events = []Event{}
	}
	eventData, err := msgpack.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode run events: %w", err)
	}
	if err := a.events.SaveBlob(rec.ID, encodeBlob(codecZstd, eventData)); err != nil {
		return err
	}
	for path, src := range rec.Sources {
		if err := a.sources.SaveBlob(rec.ID+";"+path, encodeBlob(codecSnappy, src)); err != nil {
			return err
		}
	}
	for _, e := range rec.Events {
		key := e.Key()
		if err := a.index.SaveBlob(key.Fingerprint()+";"+rec.ID, []byte(key.String())); err != nil {
			return err
		}
	}
	// header last, a run is only listed once complete
	return a.runs.SaveBlob(rec.ID, encodeBlob(codecRaw, header))
}

func (a *Archive) loadHeader(id string) (RunRecord, error) {
	var rec RunRecord
	blob, ok, err := a.runs.LoadBlob(id)
	if err != nil {
		return rec, err
	} else if !ok {
		return rec, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	data, err := decodeBlob(blob)
	if err != nil {
		return rec, err
	} else if err := msgpack.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode run %s: %w", id, err)
	}
	return rec, nil
}

// Runs lists the archived run headers ordered by start time.
func (a *Archive) Runs() ([]RunRecord, error) {
	ids, err := a.runs.ListKeysPrefix("")
	if err != nil {
		return nil, err
	}
	records := make([]RunRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := a.loadHeader(id)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	slices.SortStableFunc(records, func(a, b RunRecord) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return records, nil
}

// ResolveRunID expands a unique id prefix into the full run id.
func (a *Archive) ResolveRunID(prefix string) (string, error) {
	if prefix == "" {
		return "", fmt.Errorf("%w: empty id", ErrRunNotFound)
	}
	ids, err := a.runs.ListKeysPrefix(prefix)
	if err != nil {
		return "", err
	} else if len(ids) == 0 {
		return "", fmt.Errorf("%w: %s", ErrRunNotFound, prefix)
	} else if len(ids) > 1 {
		return "", fmt.Errorf("ambiguous run id %q matches %d runs", prefix, len(ids))
	}
	return ids[0], nil
}

// Load reads a complete record, id may be a unique prefix.
func (a *Archive) Load(id string) (RunRecord, error) {
	id, err := a.ResolveRunID(id)
	if err != nil {
		return RunRecord{}, err
	}
	rec, err := a.loadHeader(id)
	if err != nil {
		return rec, err
	}

	blob, ok, err := a.events.LoadBlob(id)
	if err != nil {
		return rec, err
	} else if ok {
		data, err := decodeBlob(blob)
		if err != nil {
			return rec, fmt.Errorf("run %s events: %w", id, err)
		} else if err := msgpack.Unmarshal(data, &rec.Events); err != nil {
			return rec, fmt.Errorf("decode run %s events: %w", id, err)
		}
	}

	srcKeys, err := a.sources.ListKeysPrefix(id + ";")
	if err != nil {
		return rec, err
	}
	rec.Sources = make(map[string][]byte, len(srcKeys))
	for _, key := range srcKeys {
		blob, ok, err := a.sources.LoadBlob(key)
		if err != nil {
			return rec, err
		} else if !ok {
			continue
		}
		src, err := decodeBlob(blob)
		if err != nil {
			return rec, fmt.Errorf("run %s source: %w", id, err)
		}
		rec.Sources[strings.TrimPrefix(key, id+";")] = src
	}
	return rec, nil
}

// Delete removes a run and everything stored with it.
func (a *Archive) Delete(id string) error {
	rec, err := a.Load(id)
	if err != nil {
		return err
	}
	var errs []error
	errs = append(errs, a.runs.DeleteBlob(rec.ID), a.events.DeleteBlob(rec.ID))
	for path := range rec.Sources {
		errs = append(errs, a.sources.DeleteBlob(rec.ID+";"+path))
	}
	for _, e := range rec.Events {
		errs = append(errs, a.index.DeleteBlob(e.Key().Fingerprint()+";"+rec.ID))
	}
	return errors.Join(errs...)
}

// RunsRecording returns the ids of the runs which recorded a value at the location.
func (a *Archive) RunsRecording(key LocationKey) ([]string, error) {
	fp := key.Fingerprint() + ";"
	keys, err := a.index.ListKeysPrefix(fp)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	want := key.String()
	for _, k := range keys {
		// fingerprints are truncated hashes, confirm the stored key
		if blob, ok, err := a.index.LoadBlob(k); err != nil {
			return nil, err
		} else if ok && string(blob) == want {
			ids = append(ids, strings.TrimPrefix(k, fp))
		}
	}
	return ids, nil
}

// RenderRun renders the run's events as text against its archived sources.
func RenderRun(rec RunRecord, color bool) (string, error) {
	var buf bytes.Buffer
	r := TextRenderer{Color: color, Root: rec.ProjectDir, Sources: rec.Sources}
	if err := r.Render(&buf, rec.Events); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// DiffRuns produces a unified diff between the text renderings of two runs.
// An empty result indicates the runs recorded identical values.
func DiffRuns(a, b RunRecord) (string, error) {
	textA, err := RenderRun(a, false)
	if err != nil {
		return "", err
	}
	textB, err := RenderRun(b, false)
	if err != nil {
		return "", err
	}
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(textA),
		B:        difflib.SplitLines(textB),
		FromFile: "run " + a.ID,
		FromDate: a.StartTime.Format(time.RFC3339),
		ToFile:   "run " + b.ID,
		ToDate:   b.StartTime.Format(time.RFC3339),
		Context:  2,
	}
	return difflib.GetUnifiedDiffString(diff)
}
