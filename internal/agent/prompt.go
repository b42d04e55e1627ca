package agent

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/maestro/internal/store"
)

// PromptInput carries everything the system prompt is assembled from.
type PromptInput struct {
	AgentName string
	ProjectID string
	RoleText  string
	Notes     string
	Catalog   string   // IBL node/action listing, already filtered to allowed nodes
	Peers     []string // other agent ids of the project, delegation targets
	SystemAI  bool
}

// BuildSystemPrompt composes the prompt from the template, the role sheet
// and the delegation awareness block. Role text dominates: it is the
// per-agent personality; everything else is runtime mechanics.
func BuildSystemPrompt(in PromptInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %q", in.AgentName)
	if in.SystemAI {
		b.WriteString(", the system coordinator spanning every project of this runtime.")
	} else if in.ProjectID != "" {
		fmt.Fprintf(&b, ", an agent of project %q.", in.ProjectID)
	} else {
		b.WriteString(".")
	}
	b.WriteString("\n\n")

	if in.RoleText != "" {
		b.WriteString("## Role\n")
		b.WriteString(strings.TrimSpace(in.RoleText))
		b.WriteString("\n\n")
	}
	if in.Notes != "" {
		b.WriteString("## Notes\n")
		b.WriteString(strings.TrimSpace(in.Notes))
		b.WriteString("\n\n")
	}

	b.WriteString("## Tools\n")
	b.WriteString("Every external effect goes through the execute_ibl tool. ")
	b.WriteString("Invoke actions as [node:action](\"target\"){\"param\": \"value\"}; ")
	b.WriteString("chain with >> (pipe result forward), || (parallel), ?? (fallback).\n")
	if in.Catalog != "" {
		b.WriteString("Available nodes:\n")
		b.WriteString(in.Catalog)
	}
	b.WriteString("\n")

	b.WriteString("## Delegation\n")
	if in.SystemAI {
		b.WriteString("Use [network:list_agents] to discover project agents and " +
			"[network:delegate](\"project,agent\"){\"message\": \"...\"} to hand work across projects. ")
	}
	b.WriteString("Use [system:delegate](\"agent_id\"){\"message\": \"...\"} to hand a subtask to a teammate. " +
		"After delegating, stop and wait: the result arrives as a new message tagged [task:<id>]. " +
		"Do not re-request work listed as already completed in the delegation context below.\n")
	if len(in.Peers) > 0 {
		fmt.Fprintf(&b, "Teammates: %s\n", strings.Join(in.Peers, ", "))
	}

	return strings.TrimRight(b.String(), "\n")
}

// AwarenessBlock renders a task's delegation context for the prompt so the
// agent resumes with full memory of what it already outsourced. Empty
// contexts render to an empty string.
func AwarenessBlock(c store.DelegationContext) string {
	if len(c.Completed) == 0 && len(c.Delegations) == 0 && len(c.Responses) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[위임 컨텍스트]\n")
	if c.OriginalRequest != "" {
		fmt.Fprintf(&b, "원래 요청: %s\n", c.OriginalRequest)
	}
	if len(c.Completed) > 0 {
		b.WriteString("이전에 완료된 위임:\n")
		for _, rec := range c.Completed {
			fmt.Fprintf(&b, "- %s: %s → %s\n", rec.To, oneLine(rec.Message, 120), oneLine(rec.Result, 200))
		}
	}
	if len(c.Delegations) > 0 {
		b.WriteString("진행 중인 위임:\n")
		responded := make(map[string]bool, len(c.Responses))
		for _, r := range c.Responses {
			responded[r.ChildTaskID] = true
		}
		for _, d := range c.Delegations {
			state := "대기 중"
			if responded[d.ChildTaskID] {
				state = "응답 도착"
			}
			fmt.Fprintf(&b, "- %s (%s): %s\n", d.DelegatedTo, state, oneLine(d.Message, 120))
		}
	}
	if len(c.Responses) > 0 {
		b.WriteString("수신된 응답:\n")
		for _, r := range c.Responses {
			fmt.Fprintf(&b, "- %s: %s\n", r.FromAgent, oneLine(r.Response, 200))
		}
	}
	return b.String()
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
