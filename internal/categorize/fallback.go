package categorize

import (
	"regexp"
	"strings"
	"unicode"
)

var sentenceBoundary = regexp.MustCompile(`[.!?]+`)

// signalKeywords mark decisions, metrics and deadlines.
var signalKeywords = []string{
	"revenue", "profit", "budget", "cost", "sales", "growth",
	"deadline", "due", "decision", "decided", "agreed", "approved",
	"metric", "kpi", "target", "goal", "priority", "urgent", "important",
}

// fillerKeywords mark hesitation and small talk.
var fillerKeywords = []string{
	"um", "uh", "uhm", "erm", "hmm", "ah",
	"you know", "i mean",
	"weather", "nice day", "lunch", "coffee", "weekend",
	"haha", "lol",
}

// Fallback categorizes transcript with the fixed keyword table. It never
// fails: every non-empty sentence lands in exactly one list.
func Fallback(transcript string) Result {
	res := Result{Important: []string{}, Noise: []string{}, Uncertain: []string{}}
	for _, unit := range SplitSentences(transcript) {
		switch classify(unit) {
		case LabelImportant:
			res.Important = append(res.Important, unit)
		case LabelNoise:
			res.Noise = append(res.Noise, unit)
		default:
			res.Uncertain = append(res.Uncertain, unit)
		}
	}
	return res
}

// SplitSentences splits on runs of '.', '!' and '?', trims each unit and
// drops empty ones.
func SplitSentences(transcript string) []string {
	var units []string
	for _, part := range sentenceBoundary.Split(transcript, -1) {
		if s := strings.TrimSpace(part); s != "" {
			units = append(units, s)
		}
	}
	return units
}

func classify(unit string) Label {
	padded := " " + strings.Join(words(unit), " ") + " "
	if containsAny(padded, signalKeywords) {
		return LabelImportant
	}
	if containsAny(padded, fillerKeywords) {
		return LabelNoise
	}
	return LabelUncertain
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func containsAny(padded string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(padded, " "+kw+" ") {
			return true
		}
	}
	return false
}
