package agent

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// ApprovalMarker prefixes a tool result that needs the user's go-ahead.
// The loop treats it as terminal: the details are surfaced as the final
// text and the task stays open until the user answers.
const ApprovalMarker = "[[APPROVAL_REQUESTED]]"

// taskMarkerRe matches the `[task:<id>]` prefix that report messages and
// delegation frames carry. The id is a uuid, but legacy rows used short
// hex ids, so the class stays permissive.
var taskMarkerRe = regexp.MustCompile(`^\s*\[task:([0-9A-Za-z-]+)\]\s*`)

// SplitTaskMarker extracts a leading task marker. Returns the id and the
// remaining content; id is empty when no marker is present.
func SplitTaskMarker(content string) (id, rest string) {
	m := taskMarkerRe.FindStringSubmatch(content)
	if m == nil {
		return "", content
	}
	return m[1], content[len(m[0]):]
}

// TaskMarker renders the marker for a task id.
func TaskMarker(taskID string) string {
	return "[task:" + taskID + "]"
}

// mapTailRe matches a `[MAP:{…}]` tail some tools append so the front end
// can render a map card. The JSON payload is opaque to the core.
var mapTailRe = regexp.MustCompile(`(?s)\s*\[MAP:(\{.*?\})\]\s*$`)

// SplitMapTail strips a trailing map payload from a tool result. The tail
// (full `[MAP:{…}]` form) is re-appended to the final text by the loop so
// the metadata survives iteration.
func SplitMapTail(s string) (body, tail string) {
	m := mapTailRe.FindStringSubmatch(s)
	if m == nil {
		return s, ""
	}
	return strings.TrimRight(s[:len(s)-len(m[0])], " \t\n"), "[MAP:" + m[1] + "]"
}

// CollectMediaPaths pulls `MEDIA:<path>` lines out of a tool result so
// generated files ride the outbound message as attachments instead of
// cluttering the model's context.
func CollectMediaPaths(s string) (clean string, paths []string) {
	if !strings.Contains(s, "MEDIA:") {
		return s, nil
	}
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if p, ok := strings.CutPrefix(trimmed, "MEDIA:"); ok {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n")), paths
}

// ClipRunes truncates s to at most max runes, appending a marker when
// anything was dropped. Used on oversized tool results before they are
// fed back to the model.
func ClipRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "\n\n[결과가 길어 일부만 포함됨]"
}
