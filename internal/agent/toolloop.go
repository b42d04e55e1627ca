package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/maestro/internal/ibl"
	"github.com/nextlevelbuilder/maestro/internal/providers"
)

const (
	// MaxToolIterations bounds the rounds of one user turn. The model
	// either answers within the bound or gets cut off with whatever text
	// it produced last.
	MaxToolIterations = 15

	// MaxConsecutiveToolOnly bounds rounds that call tools without
	// producing any text. Past the bound a synthetic user message asks
	// the model to answer from the data it already collected, which
	// breaks tool spirals without killing the turn.
	MaxConsecutiveToolOnly = 10

	// maxToolResultRunes clips oversized tool results before they are fed
	// back, keeping the context window for the conversation itself.
	maxToolResultRunes = 20000
)

// toolNudge is injected after MaxConsecutiveToolOnly tool-only rounds.
const toolNudge = "지금까지 수집한 정보만으로 최종 답변을 작성해 주세요. 추가 도구 호출 없이 답변만 해주세요."

// ExecuteIBLTool is the single function tool exposed to the model. Every
// external effect goes through it.
const ExecuteIBLTool = "execute_ibl"

// IBLToolDefs builds the tool schema handed to the provider.
func IBLToolDefs() []providers.ToolDefinition {
	return []providers.ToolDefinition{{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name: ExecuteIBLTool,
			Description: "Execute an IBL action pipeline. Syntax: [node:action](\"target\"){\"param\": \"value\"}. " +
				"Combine steps with >> (sequence, result piped forward), || (parallel), ?? (fallback). " +
				"The available nodes and actions are listed in the system prompt.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"pipeline": map[string]interface{}{
						"type":        "string",
						"description": `IBL pipeline, e.g. [source:web_search]("AI news") >> [system:file]("write,outputs/news.md")`,
					},
				},
				"required": []string{"pipeline"},
			},
		},
	}}
}

// ToolLoop drives one provider conversation until the model produces a
// final answer, a bound trips, or a terminal marker appears.
type ToolLoop struct {
	Provider    providers.Provider
	Model       string
	MaxTokens   int
	Temperature *float64
	Dispatcher  *ibl.Dispatcher
}

// LoopResult is the outcome of one turn.
type LoopResult struct {
	Text              string
	Iterations        int
	Usage             providers.Usage
	ApprovalRequested bool
}

// Run executes the round-based tool loop. onChunk may be nil for
// non-streaming callers.
func (tl *ToolLoop) Run(ctx context.Context, messages []providers.Message, onChunk func(string)) (*LoopResult, error) {
	res := &LoopResult{}
	consecutiveToolOnly := 0
	var mapTails []string
	var lastText string

	for res.Iterations < MaxToolIterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Iterations++

		req := providers.ChatRequest{
			Messages: messages,
			Tools:    IBLToolDefs(),
			Model:    tl.Model,
			Options:  tl.options(),
		}

		var resp *providers.ChatResponse
		var err error
		if onChunk != nil {
			resp, err = tl.Provider.ChatStream(ctx, req, func(chunk providers.StreamChunk) {
				if chunk.Content != "" {
					onChunk(chunk.Content)
				}
			})
		} else {
			resp, err = tl.Provider.Chat(ctx, req)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil, context.Canceled
			}
			return nil, fmt.Errorf("provider %s (round %d): %w", tl.Provider.Name(), res.Iterations, err)
		}
		res.Usage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			res.Text = appendMapTails(resp.Content, mapTails)
			return res, nil
		}
		if strings.TrimSpace(resp.Content) != "" {
			lastText = resp.Content
			consecutiveToolOnly = 0
		} else {
			consecutiveToolOnly++
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		outputs, approval := tl.executeRound(ctx, resp.ToolCalls)
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for i, tc := range resp.ToolCalls {
			body, tail := SplitMapTail(outputs[i])
			if tail != "" {
				mapTails = append(mapTails, tail)
			}
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    ClipRunes(body, maxToolResultRunes),
				ToolCallID: tc.ID,
			})
		}

		if approval != "" {
			// Terminal: the turn pauses until the user answers.
			res.ApprovalRequested = true
			res.Text = appendMapTails(joinNonEmpty(resp.Content, approval), mapTails)
			return res, nil
		}

		if consecutiveToolOnly >= MaxConsecutiveToolOnly {
			messages = append(messages, providers.Message{Role: "user", Content: toolNudge})
			consecutiveToolOnly = 0
		}
	}

	slog.Warn("tool loop hit iteration bound", "model", tl.Model, "rounds", res.Iterations)
	res.Text = appendMapTails(joinNonEmpty(lastText, "작업을 제한된 횟수 안에 끝내지 못했습니다."), mapTails)
	return res, nil
}

// executeRound runs one round's tool calls in parallel. Output order
// follows request order regardless of completion order. The second return
// is a non-empty approval message when any tool requested user approval.
func (tl *ToolLoop) executeRound(ctx context.Context, calls []providers.ToolCall) ([]string, string) {
	outputs := make([]string, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(i int, tc providers.ToolCall) {
			defer wg.Done()
			start := time.Now()
			outputs[i] = tl.executeOne(ctx, tc)
			slog.Debug("tool executed", "tool", tc.Name, "duration", time.Since(start))
		}(i, tc)
	}
	wg.Wait()

	for _, out := range outputs {
		if details, ok := strings.CutPrefix(out, ApprovalMarker); ok {
			return outputs, strings.TrimSpace(details)
		}
	}
	return outputs, ""
}

// executeOne dispatches one tool call. Both invocation shapes are
// accepted: a pipeline string, or direct {node, action, target, params}.
func (tl *ToolLoop) executeOne(ctx context.Context, tc providers.ToolCall) string {
	if tc.Name != ExecuteIBLTool {
		return ibl.Fail(ibl.ErrInvalidInput, "unknown tool %q; use %s", tc.Name, ExecuteIBLTool).String()
	}

	if pipeline, ok := tc.Arguments["pipeline"].(string); ok && strings.TrimSpace(pipeline) != "" {
		return renderResult(tl.Dispatcher.Run(ctx, pipeline))
	}

	node, _ := tc.Arguments["node"].(string)
	action, _ := tc.Arguments["action"].(string)
	if node != "" && action != "" {
		step := ibl.Step{Node: node, Action: action}
		step.Target, _ = tc.Arguments["target"].(string)
		if params, ok := tc.Arguments["params"].(map[string]any); ok {
			step.Params = params
		}
		return renderResult(tl.Dispatcher.Execute(ctx, step))
	}

	return ibl.Fail(ibl.ErrInvalidInput, "missing pipeline argument").String()
}

// renderResult flattens a dispatch result for the model. Approval results
// keep the raw marker prefix so the loop can detect the terminal state,
// and map tails are lifted out of the JSON body so the loop can re-attach
// them to the final text.
func renderResult(r ibl.Result) string {
	if r.Success && strings.HasPrefix(r.Output, ApprovalMarker) {
		return r.Output
	}
	body, tail := SplitMapTail(r.Output)
	if tail == "" {
		return r.String()
	}
	r.Output = body
	return r.String() + "\n" + tail
}

func (tl *ToolLoop) options() map[string]interface{} {
	opts := map[string]interface{}{}
	if tl.MaxTokens > 0 {
		opts[providers.OptMaxTokens] = tl.MaxTokens
	}
	if tl.Temperature != nil {
		opts[providers.OptTemperature] = *tl.Temperature
	}
	return opts
}

func appendMapTails(text string, tails []string) string {
	if len(tails) == 0 {
		return text
	}
	return strings.TrimRight(text, " \t\n") + "\n" + strings.Join(tails, "\n")
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
