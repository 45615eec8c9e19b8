package reconcile

import (
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/categorize"
)

// Decisions maps an uncertain fragment, by exact text or by its decimal index
// in Result.Uncertain, to a human chosen label.
type Decisions map[string]categorize.Label

// FeedbackRecord pairs the automatic categorization with the human choices.
type FeedbackRecord struct {
	Timestamp   time.Time         `json:"timestamp"`
	Original    categorize.Result `json:"original"`
	UserChoices Decisions         `json:"userChoices"`
}

// Outcome is the product of one reconciliation.
type Outcome struct {
	Approved []string
	// Undecided lists uncertain fragments that received no valid decision.
	// They are not approved.
	Undecided []string
	Feedback  FeedbackRecord
}

// ParseLabel accepts only the labels a human may assign.
func ParseLabel(s string) (categorize.Label, bool) {
	switch categorize.Label(strings.ToLower(strings.TrimSpace(s))) {
	case categorize.LabelImportant:
		return categorize.LabelImportant, true
	case categorize.LabelNoise:
		return categorize.LabelNoise, true
	}
	return "", false
}

// NewFeedbackRecord keeps every choice with a valid label under the key it
// was sent with, whether or not the key matches an uncertain fragment.
func NewFeedbackRecord(original categorize.Result, decisions Decisions, at time.Time) FeedbackRecord {
	choices := make(Decisions, len(decisions))
	for key, raw := range decisions {
		if label, ok := ParseLabel(string(raw)); ok {
			choices[key] = label
		}
	}
	return FeedbackRecord{
		Timestamp:   at.UTC(),
		Original:    original.Clone(),
		UserChoices: choices,
	}
}

// Reconcile merges decisions into result. Keys that match no uncertain
// fragment and labels outside {important, noise} are ignored.
func Reconcile(result categorize.Result, decisions Decisions, at time.Time) Outcome {
	original := result.Clone()

	resolved := make([]categorize.Label, len(original.Uncertain))
	accepted := make(Decisions)

	byText := make(map[string][]int, len(original.Uncertain))
	for i, frag := range original.Uncertain {
		byText[frag] = append(byText[frag], i)
	}

	apply := func(key string, raw categorize.Label, idx []int) {
		label, ok := ParseLabel(string(raw))
		if !ok || len(idx) == 0 {
			return
		}
		for _, i := range idx {
			resolved[i] = label
		}
		accepted[key] = label
	}
	// index keys first so a text key for the same fragment wins
	for key, raw := range decisions {
		if _, isText := byText[key]; !isText {
			apply(key, raw, indexKey(key, len(original.Uncertain)))
		}
	}
	for key, raw := range decisions {
		if idx, isText := byText[key]; isText {
			apply(key, raw, idx)
		}
	}

	approved := make([]string, 0, len(original.Important)+len(original.Uncertain))
	approved = append(approved, original.Important...)
	var undecided []string
	for i, frag := range original.Uncertain {
		switch resolved[i] {
		case categorize.LabelImportant:
			approved = append(approved, frag)
		case "":
			undecided = append(undecided, frag)
		}
	}
	if undecided == nil {
		undecided = []string{}
	}

	return Outcome{
		Approved:  approved,
		Undecided: undecided,
		Feedback: FeedbackRecord{
			Timestamp:   at.UTC(),
			Original:    original,
			UserChoices: accepted,
		},
	}
}

func indexKey(key string, n int) []int {
	i, err := strconv.Atoi(key)
	if err != nil || i < 0 || i >= n || strconv.Itoa(i) != key {
		return nil
	}
	return []int{i}
}
