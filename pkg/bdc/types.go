package bdc

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// FileDescriptor describes one downloadable availability file from the BDC
// catalog. Immutable once returned by the client.
type FileDescriptor struct {
	FileID         int64  `json:"file_id"`
	FileName       string `json:"file_name"`
	RecordCount    int    `json:"record_count"`
	TechnologyCode int    `json:"technology_code"`
	ProviderName   string `json:"provider_name"`
	Source         string `json:"source"`
}

// DownloadOutcome records the result of one download attempt. Exactly one is
// produced per attempted descriptor; failures are recorded, never dropped.
type DownloadOutcome struct {
	FileID     int64  `json:"file_id"`
	OK         bool   `json:"ok"`
	Bytes      int64  `json:"bytes"`
	StatusCode int    `json:"status_code"`
	OutputPath string `json:"output_path,omitempty"`
	Err        string `json:"error,omitempty"`
}

// techPriority orders technology codes for download selection: fiber first,
// then cable, DSL, fixed wireless. Unknown codes sort last.
var techPriority = map[int]int{
	50: 1, // Fiber
	40: 2, // Cable
	10: 3, // DSL/Copper
	70: 4, // Fixed Wireless
	71: 4, // Licensed Fixed Wireless
	72: 4, // Unlicensed Fixed Wireless
}

// DefaultMinRecordCount is the record threshold below which files are skipped
// during selection. Tiny files rarely contribute usable coverage.
const DefaultMinRecordCount = 100

// priorityOf returns the selection priority for a technology code.
func priorityOf(code int) int {
	if p, ok := techPriority[code]; ok {
		return p
	}
	return 99
}

// SelectFiles filters descriptors to those matching the given state FIPS code
// with at least minRecords records, ordered by technology priority then record
// count descending. When no descriptor matches the state, the first five
// unfiltered descriptors are returned as a fallback so downstream stages have
// something to work with.
func SelectFiles(files []FileDescriptor, stateFIPS string, minRecords int) []FileDescriptor {
	if minRecords <= 0 {
		minRecords = DefaultMinRecordCount
	}

	var matched []FileDescriptor
	for _, f := range files {
		if !matchesState(f.FileName, stateFIPS) {
			continue
		}
		if f.RecordCount < minRecords {
			continue
		}
		matched = append(matched, f)
	}

	if len(matched) == 0 {
		n := min(5, len(files))
		return append([]FileDescriptor(nil), files[:n]...)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		pi, pj := priorityOf(matched[i].TechnologyCode), priorityOf(matched[j].TechnologyCode)
		if pi != pj {
			return pi < pj
		}
		return matched[i].RecordCount > matched[j].RecordCount
	})
	return matched
}

// matchesState reports whether a catalog file name belongs to the given state.
func matchesState(fileName, stateFIPS string) bool {
	if stateFIPS == "" {
		return true
	}
	return strings.Contains(fileName, "bdc_"+stateFIPS+"_") ||
		strings.Contains(fileName, "_"+stateFIPS+"_")
}

// flexInt accepts JSON numbers or numeric strings; anything else decodes to 0.
// The catalog serves record_count and technology_code in both forms.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexInt(n)
	return nil
}

// catalogEntry is the loosely-typed wire form of one catalog row.
type catalogEntry struct {
	FileID         flexInt `json:"file_id"`
	FileName       string  `json:"file_name"`
	RecordCount    flexInt `json:"record_count"`
	TechnologyCode flexInt `json:"technology_code"`
	ProviderName   string  `json:"provider_name"`
}

// descriptor converts a wire entry into a validated FileDescriptor.
// Entries without a file_id are unusable and rejected.
func (e catalogEntry) descriptor(source string) (FileDescriptor, error) {
	if e.FileID == 0 {
		return FileDescriptor{}, eris.Errorf("catalog entry %q has no file_id", e.FileName)
	}
	return FileDescriptor{
		FileID:         int64(e.FileID),
		FileName:       e.FileName,
		RecordCount:    int(e.RecordCount),
		TechnologyCode: int(e.TechnologyCode),
		ProviderName:   e.ProviderName,
		Source:         source,
	}, nil
}

var _ json.Unmarshaler = (*flexInt)(nil)
