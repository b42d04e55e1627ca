package agent

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitTaskMarker(t *testing.T) {
	tests := []struct {
		in       string
		id, rest string
	}{
		{"[task:abc-123] 완료.\n결과", "abc-123", "완료.\n결과"},
		{"  [task:7f3e] 진행해 주세요", "7f3e", "진행해 주세요"},
		{"no marker here", "", "no marker here"},
		{"[task:] empty id", "", "[task:] empty id"},
		{"mid [task:x] text", "", "mid [task:x] text"},
	}
	for _, tt := range tests {
		id, rest := SplitTaskMarker(tt.in)
		if id != tt.id || rest != tt.rest {
			t.Errorf("SplitTaskMarker(%q) = (%q, %q), want (%q, %q)", tt.in, id, rest, tt.id, tt.rest)
		}
	}
}

func TestTaskMarkerRoundTrip(t *testing.T) {
	id, rest := SplitTaskMarker(TaskMarker("a1b2") + " hello")
	if id != "a1b2" || rest != "hello" {
		t.Errorf("got (%q, %q)", id, rest)
	}
}

func TestSplitMapTail(t *testing.T) {
	body, tail := SplitMapTail(`서울역입니다 [MAP:{"lat":37.55,"lng":126.97}]`)
	if body != "서울역입니다" {
		t.Errorf("body = %q", body)
	}
	if tail != `[MAP:{"lat":37.55,"lng":126.97}]` {
		t.Errorf("tail = %q", tail)
	}

	body, tail = SplitMapTail("no tail here")
	if body != "no tail here" || tail != "" {
		t.Errorf("got (%q, %q)", body, tail)
	}

	// Only a trailing tail counts.
	in := `[MAP:{"lat":1}] leading text`
	body, tail = SplitMapTail(in)
	if body != in || tail != "" {
		t.Errorf("got (%q, %q)", body, tail)
	}
}

func TestCollectMediaPaths(t *testing.T) {
	clean, paths := CollectMediaPaths("이미지를 생성했습니다\nMEDIA: outputs/chart.png\nMEDIA:outputs/map.jpg\n끝")
	if len(paths) != 2 || paths[0] != "outputs/chart.png" || paths[1] != "outputs/map.jpg" {
		t.Fatalf("paths = %v", paths)
	}
	if strings.Contains(clean, "MEDIA:") {
		t.Errorf("clean = %q still carries media lines", clean)
	}
	if !strings.Contains(clean, "이미지를 생성했습니다") || !strings.Contains(clean, "끝") {
		t.Errorf("clean = %q lost surrounding text", clean)
	}

	clean, paths = CollectMediaPaths("plain text")
	if clean != "plain text" || paths != nil {
		t.Errorf("got (%q, %v)", clean, paths)
	}
}

func TestClipRunes(t *testing.T) {
	if got := ClipRunes("short", 100); got != "short" {
		t.Errorf("got %q", got)
	}

	long := strings.Repeat("가", 50)
	got := ClipRunes(long, 10)
	if !strings.HasPrefix(got, strings.Repeat("가", 10)) {
		t.Errorf("clip kept wrong prefix: %q", got)
	}
	if !strings.Contains(got, "일부만 포함됨") {
		t.Errorf("clip marker missing: %q", got)
	}
	if !utf8.ValidString(got) {
		t.Error("clip split a rune")
	}
}
