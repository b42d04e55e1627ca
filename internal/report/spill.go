package report

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"
)

const (
	// spillThreshold is the payload size past which a report is written to
	// the project's outputs directory and replaced with a preview. Keeps
	// parent prompts and channel messages readable.
	spillThreshold = 2000

	previewLines = 10
	previewWidth = 80
)

// spill keeps short payloads as-is. Long payloads land in
// outputs/<taskID>.md and the returned text is a display-width-aware
// preview pointing at the file.
func (e *Engine) spill(projectID, taskID, payload string) string {
	if utf8.RuneCountInString(payload) <= spillThreshold {
		return payload
	}

	dir := ""
	if e.OutputsDir != nil {
		dir = e.OutputsDir(projectID)
	}
	if dir == "" {
		// No outputs dir for this project (system AI); truncate in place.
		runes := []rune(payload)
		return string(runes[:spillThreshold]) + "\n\n[결과가 길어 일부만 포함됨]"
	}

	name := taskID + ".md"
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("outputs dir create failed", "dir", dir, "error", err)
		runes := []rune(payload)
		return string(runes[:spillThreshold]) + "\n\n[결과가 길어 일부만 포함됨]"
	}
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		slog.Warn("report spill failed", "path", path, "error", err)
		runes := []rune(payload)
		return string(runes[:spillThreshold]) + "\n\n[결과가 길어 일부만 포함됨]"
	}

	return preview(payload) + fmt.Sprintf("\n\n(전체 보고서: outputs/%s)", name)
}

// preview renders the first lines of a payload, each clipped to a fixed
// display width so CJK text does not blow past it.
func preview(payload string) string {
	lines := strings.Split(payload, "\n")
	n := len(lines)
	if n > previewLines {
		n = previewLines
	}
	out := make([]string, 0, n+1)
	for _, line := range lines[:n] {
		out = append(out, runewidth.Truncate(line, previewWidth, "…"))
	}
	if len(lines) > previewLines {
		out = append(out, "…")
	}
	return strings.Join(out, "\n")
}
