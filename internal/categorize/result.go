package categorize

import "errors"

// Label names one of the three categorization buckets.
type Label string

const (
	LabelImportant Label = "important"
	LabelNoise     Label = "noise"
	LabelUncertain Label = "uncertain"
)

// ErrCategorizer marks a failed or rejected primary categorization. It is
// absorbed by the Adapter and never returned to callers.
var ErrCategorizer = errors.New("categorizer failure")

// Result is the automatic categorization of one transcript.
type Result struct {
	Important []string `json:"important"`
	Noise     []string `json:"noise"`
	Uncertain []string `json:"uncertain"`
}

// Clone returns a deep copy so the original judgment cannot be mutated
// through a shared slice.
func (r Result) Clone() Result {
	return Result{
		Important: cloneStrings(r.Important),
		Noise:     cloneStrings(r.Noise),
		Uncertain: cloneStrings(r.Uncertain),
	}
}

// Len reports the total number of fragments.
func (r Result) Len() int {
	return len(r.Important) + len(r.Noise) + len(r.Uncertain)
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
