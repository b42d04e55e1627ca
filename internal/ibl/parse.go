package ibl

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/titanous/json5"
)

// Step is a single parsed invocation.
type Step struct {
	Node   string
	Action string
	Target string
	Params map[string]any
}

// Expr is a parsed pipeline. Exactly one field is set: a leaf Step, or a
// combinator over sub-expressions.
type Expr struct {
	Step *Step
	Seq  []*Expr // a >> b: sequential with result piping
	Par  []*Expr // a || b: concurrent
	Alt  []*Expr // a ?? b: first success wins
}

// Parse parses a pipeline string. '>>' binds loosest, so
// "a || b >> c" runs a and b together, then c.
func Parse(input string) (*Expr, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("empty pipeline")
	}
	segments, err := splitTop(input, ">>")
	if err != nil {
		return nil, err
	}
	if len(segments) > 1 {
		seq := make([]*Expr, 0, len(segments))
		for _, seg := range segments {
			e, err := parseGroup(seg)
			if err != nil {
				return nil, err
			}
			seq = append(seq, e)
		}
		return &Expr{Seq: seq}, nil
	}
	return parseGroup(segments[0])
}

// parseGroup handles one '>>' segment: parallel first, then fallback.
func parseGroup(input string) (*Expr, error) {
	parts, err := splitTop(input, "||")
	if err != nil {
		return nil, err
	}
	if len(parts) > 1 {
		par := make([]*Expr, 0, len(parts))
		for _, p := range parts {
			e, err := parseAlt(p)
			if err != nil {
				return nil, err
			}
			par = append(par, e)
		}
		return &Expr{Par: par}, nil
	}
	return parseAlt(parts[0])
}

func parseAlt(input string) (*Expr, error) {
	parts, err := splitTop(input, "??")
	if err != nil {
		return nil, err
	}
	if len(parts) > 1 {
		alt := make([]*Expr, 0, len(parts))
		for _, p := range parts {
			e, err := parseUnit(p)
			if err != nil {
				return nil, err
			}
			alt = append(alt, e)
		}
		return &Expr{Alt: alt}, nil
	}
	return parseUnit(parts[0])
}

func parseUnit(input string) (*Expr, error) {
	input = strings.TrimSpace(input)
	if strings.HasPrefix(input, "(") {
		end, err := matchDelim(input, 0, '(', ')')
		if err == nil && end == len(input)-1 {
			return Parse(input[1:end])
		}
	}
	step, err := ParseStep(input)
	if err != nil {
		return nil, err
	}
	return &Expr{Step: step}, nil
}

// ParseStep parses one `[node:action](target){params}` invocation.
func ParseStep(input string) (*Step, error) {
	s := strings.TrimSpace(input)
	if !strings.HasPrefix(s, "[") {
		return nil, fmt.Errorf("invocation must start with '[', got %q", truncate(s, 40))
	}
	closeBracket, err := matchDelim(s, 0, '[', ']')
	if err != nil {
		return nil, fmt.Errorf("unterminated node header in %q", truncate(s, 40))
	}
	header := s[1:closeBracket]
	colon := strings.Index(header, ":")
	if colon < 0 {
		return nil, fmt.Errorf("node header %q needs node:action", header)
	}
	step := &Step{
		Node:   strings.TrimSpace(header[:colon]),
		Action: strings.TrimSpace(header[colon+1:]),
	}
	if step.Node == "" || step.Action == "" {
		return nil, fmt.Errorf("node header %q needs node:action", header)
	}

	rest := strings.TrimSpace(s[closeBracket+1:])
	if strings.HasPrefix(rest, "(") {
		end, err := matchDelim(rest, 0, '(', ')')
		if err != nil {
			return nil, fmt.Errorf("unterminated target in %q", truncate(s, 40))
		}
		step.Target = unquote(strings.TrimSpace(rest[1:end]))
		rest = strings.TrimSpace(rest[end+1:])
	}
	if strings.HasPrefix(rest, "{") {
		end, err := matchDelim(rest, 0, '{', '}')
		if err != nil {
			return nil, fmt.Errorf("unterminated params in %q", truncate(s, 40))
		}
		raw := rest[:end+1]
		params := map[string]any{}
		if jsonErr := json.Unmarshal([]byte(raw), &params); jsonErr != nil {
			// Models love trailing commas and unquoted keys; accept the
			// relaxed form too.
			if j5Err := json5.Unmarshal([]byte(raw), &params); j5Err != nil {
				return nil, fmt.Errorf("bad params %s: %v", truncate(raw, 60), jsonErr)
			}
		}
		step.Params = params
		rest = strings.TrimSpace(rest[end+1:])
	}
	if rest != "" {
		return nil, fmt.Errorf("trailing input %q after invocation", truncate(rest, 40))
	}
	return step, nil
}

// splitTop splits s on sep occurring at nesting depth zero, respecting
// (), [], {} and quoted strings.
func splitTop(s, sep string) ([]string, error) {
	var (
		parts []string
		depth int
		quote byte
		last  int
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced %q in pipeline", string(c))
			}
		default:
			if depth == 0 && strings.HasPrefix(s[i:], sep) {
				parts = append(parts, strings.TrimSpace(s[last:i]))
				i += len(sep) - 1
				last = i + 1
			}
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in pipeline")
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced brackets in pipeline")
	}
	parts = append(parts, strings.TrimSpace(s[last:]))
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("empty step around %q", sep)
		}
	}
	return parts, nil
}

// matchDelim returns the index of the closer matching the opener at start,
// respecting nesting and quotes.
func matchDelim(s string, start int, open, close byte) (int, error) {
	depth := 0
	var quote byte
	for i := start; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("no matching %q", string(close))
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
