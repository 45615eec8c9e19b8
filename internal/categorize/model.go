package categorize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const systemPrompt = `You sort meeting transcript sentences for a note taker.
Reply with exactly one JSON object and nothing else. The object must have
three keys: "important", "noise" and "uncertain". Each value is an array of
strings. Copy every sentence of the transcript into exactly one array:
"important" for decisions, metrics, deadlines and commitments; "noise" for
filler, hesitation and small talk; "uncertain" for anything else. Use empty
arrays when a category has no sentences.`

func buildPrompt(transcript string) string {
	return "Transcript:\n" + transcript
}

var requiredKeys = []string{"important", "noise", "uncertain"}

// ParseModelResponse accepts a model reply only when it is a JSON object
// whose "important", "noise" and "uncertain" members are all present and are
// arrays of strings.
func ParseModelResponse(raw string) (Result, error) {
	body := stripCodeFence(strings.TrimSpace(raw))
	if body == "" {
		return Result{}, fmt.Errorf("%w: empty response", ErrCategorizer)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return Result{}, fmt.Errorf("%w: response is not a JSON object: %w", ErrCategorizer, err)
	}

	lists := make(map[string][]string, len(requiredKeys))
	for _, key := range requiredKeys {
		value, ok := fields[key]
		if !ok {
			return Result{}, fmt.Errorf("%w: missing %q", ErrCategorizer, key)
		}
		if bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
			return Result{}, fmt.Errorf("%w: %q is null", ErrCategorizer, key)
		}
		var items []string
		if err := json.Unmarshal(value, &items); err != nil {
			return Result{}, fmt.Errorf("%w: %q is not a list of strings", ErrCategorizer, key)
		}
		if items == nil {
			items = []string{}
		}
		lists[key] = items
	}

	return Result{
		Important: lists["important"],
		Noise:     lists["noise"],
		Uncertain: lists["uncertain"],
	}, nil
}

// checkFragments rejects a parsed reply unless every fragment is a sentence
// of the transcript and each sentence is used at most as often as it occurs.
func checkFragments(res Result, transcript string) error {
	available := make(map[string]int)
	for _, unit := range SplitSentences(transcript) {
		available[unit]++
	}
	for _, list := range [][]string{res.Important, res.Noise, res.Uncertain} {
		for _, fragment := range list {
			unit := strings.TrimSpace(fragment)
			if available[unit] == 0 {
				if _, known := available[unit]; known {
					return fmt.Errorf("%w: fragment %q appears more than once", ErrCategorizer, unit)
				}
				return fmt.Errorf("%w: fragment %q is not a transcript sentence", ErrCategorizer, unit)
			}
			available[unit]--
		}
	}
	return nil
}

// stripCodeFence unwraps a ```json ... ``` block some models emit despite
// instructions.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		return ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
