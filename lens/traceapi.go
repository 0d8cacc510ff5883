package lens

// environment variables shared between the tracelens parent process and instrumented children.
const (
	EnvResultsDir       = "LENSTRACE_RESULTS_DIR"
	EnvResultsParentPid = "LENSTRACE_RESULTS_PARENT_PID"
	EnvJsonOutput       = "LENSTRACE_JSON"
)

// ChildResultsPrefix is the filename prefix for per-process result files written into the results dir.
const ChildResultsPrefix = "child_"

// ProbeKind distinguishes expression probes from parameter probes.
type ProbeKind string

const (
	ProbeExpression ProbeKind = "expr"
	ProbeParameter  ProbeKind = "arg"
)

// CollectMode selects how recorded values are aggregated, fixed for the life of a process.
type CollectMode int

const (
	// CollectLast keeps the most recent value along with counts.
	CollectLast CollectMode = iota + 1
	// CollectTypes keeps only counts per runtime type.
	CollectTypes
	// CollectHistory keeps a bounded window of the most recent values.
	CollectHistory
)

// ProbeLocation describes a single instrumented source span.
// Lines are 1-based, columns are 0-based byte offsets within the line, and the end is exclusive.
type ProbeLocation struct {
	ID        uint32    `json:"id"`
	File      string    `json:"file"`
	StartLine int       `json:"start_line"`
	StartCol  int       `json:"start_col"`
	EndLine   int       `json:"end_line"`
	EndCol    int       `json:"end_col"`
	Kind      ProbeKind `json:"kind"`
	Name      string    `json:"name,omitempty"` // parameter name, only set for ProbeParameter
}

// ValueSummary is a bounded textual rendition of a recorded value.
type ValueSummary struct {
	Type    string `json:"type"`
	Preview string `json:"preview"`
	// Length is only set when Preview was truncated. It is the rune length of the full preview when that was
	// formatted, otherwise the rune length of a string or the element count of a collection.
	Length int `json:"length,omitempty"`
}

// Event is the exported aggregate for one probe location.
// At most one of LastValue or SampledValues is set, neither is set for CollectTypes.
type Event struct {
	File          string         `json:"file"`
	StartLine     int            `json:"start_line"`
	StartCol      int            `json:"start_col"`
	EndLine       int            `json:"end_line"`
	EndCol        int            `json:"end_col"`
	Kind          ProbeKind      `json:"kind"`
	Name          string         `json:"name,omitempty"`
	Total         int            `json:"total"`
	AllValueTypes map[string]int `json:"all_value_types"`
	LastValue     *ValueSummary  `json:"last_value,omitempty"`
	SampledValues []ValueSummary `json:"sampled_values,omitempty"`
}
