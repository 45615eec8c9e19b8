package export

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Profile selects an export rendering.
type Profile string

const (
	ProfileMeetingNotes     Profile = "meeting-notes"
	ProfilePersonalReminder Profile = "personal-reminder"
	ProfileActionItems      Profile = "action-items"
	ProfileSummary          Profile = "summary"
	ProfileDefault          Profile = "default"
)

// ErrValidation reports export input that cannot be rendered or saved.
var ErrValidation = errors.New("export validation failed")

type layout struct {
	title   string
	section string
	body    func(items []string) string
}

var layouts = map[Profile]layout{
	ProfileMeetingNotes: {
		title:   "Meeting Notes",
		section: "Key Points:",
		body: func(items []string) string {
			lines := make([]string, len(items))
			for i, item := range items {
				lines[i] = fmt.Sprintf("%d. %s", i+1, item)
			}
			return strings.Join(lines, "\n")
		},
	},
	ProfilePersonalReminder: {
		title:   "Personal Reminders",
		section: "Remember:",
		body:    prefixed("• "),
	},
	ProfileActionItems: {
		title:   "Action Items",
		section: "Tasks:",
		body:    prefixed("[ ] "),
	},
	ProfileSummary: {
		title:   "Summary",
		section: "Overview:",
		body:    paragraph,
	},
	ProfileDefault: {
		title:   "Notes",
		section: "Content:",
		body:    prefixed(""),
	},
}

// Profiles lists the supported profiles in display order.
func Profiles() []Profile {
	return []Profile{ProfileMeetingNotes, ProfilePersonalReminder, ProfileActionItems, ProfileSummary, ProfileDefault}
}

// ParseProfile normalizes s. Unknown values map to ProfileDefault with ok
// set to false.
func ParseProfile(s string) (Profile, bool) {
	p := Profile(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := layouts[p]; ok {
		return p, true
	}
	return ProfileDefault, false
}

// Document is a rendered export.
type Document struct {
	Profile     Profile
	GeneratedAt time.Time
	Text        string
}

// Format renders content with profile. It is total: empty content yields a
// header and footer around an empty body, and unknown profiles render as
// ProfileDefault.
func Format(content []string, profile Profile, generatedAt time.Time) Document {
	p, _ := ParseProfile(string(profile))
	l := layouts[p]

	var b strings.Builder
	fmt.Fprintf(&b, "%s - %s\n", l.title, generatedAt.Format("2006-01-02 15:04"))
	b.WriteString(strings.Repeat("=", 40))
	b.WriteString("\n\n")
	b.WriteString(l.section)
	b.WriteString("\n")
	if body := l.body(content); body != "" {
		b.WriteString(body)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\n--- End of %s ---\n", l.title)

	return Document{Profile: p, GeneratedAt: generatedAt, Text: b.String()}
}

func prefixed(prefix string) func([]string) string {
	return func(items []string) string {
		lines := make([]string, len(items))
		for i, item := range items {
			lines[i] = prefix + item
		}
		return strings.Join(lines, "\n")
	}
}

func paragraph(items []string) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if !strings.HasSuffix(item, ".") && !strings.HasSuffix(item, "!") && !strings.HasSuffix(item, "?") {
			item += "."
		}
		parts = append(parts, item)
	}
	return strings.Join(parts, " ")
}
