package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseRetryAfter(t *testing.T) {
	if got := ParseRetryAfter("7"); got != 7*time.Second {
		t.Errorf("seconds form = %v", got)
	}
	if got := ParseRetryAfter(""); got != 0 {
		t.Errorf("empty = %v", got)
	}
	if got := ParseRetryAfter("soon"); got != 0 {
		t.Errorf("garbage = %v", got)
	}
}

func TestHTTPErrorRetryable(t *testing.T) {
	for _, status := range []int{429, 500, 502, 503, 504, 529} {
		if !(&HTTPError{Status: status}).Retryable() {
			t.Errorf("status %d should be retryable", status)
		}
	}
	for _, status := range []int{400, 401, 403, 404, 422} {
		if (&HTTPError{Status: status}).Retryable() {
			t.Errorf("status %d should not be retryable", status)
		}
	}
}

func TestRetryDo(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		got, err := RetryDo(context.Background(), cfg, func() (string, error) {
			calls++
			if calls < 3 {
				return "", &HTTPError{Status: 429}
			}
			return "ok", nil
		})
		if err != nil || got != "ok" {
			t.Fatalf("got %q, %v", got, err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("stops on non-retryable", func(t *testing.T) {
		calls := 0
		_, err := RetryDo(context.Background(), cfg, func() (string, error) {
			calls++
			return "", &HTTPError{Status: 401}
		})
		if err == nil || calls != 1 {
			t.Fatalf("calls = %d, err = %v", calls, err)
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		_, err := RetryDo(context.Background(), cfg, func() (string, error) {
			calls++
			return "", &HTTPError{Status: 503}
		})
		if err == nil {
			t.Fatal("want error")
		}
		if calls != cfg.MaxRetries+1 {
			t.Errorf("calls = %d, want %d", calls, cfg.MaxRetries+1)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := RetryDo(ctx, cfg, func() (string, error) {
			return "", errors.New("network down")
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestCleanSchemaForProvider(t *testing.T) {
	schema := map[string]interface{}{
		"type":                 "object",
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"invocation": map[string]interface{}{
				"type":    "string",
				"default": "",
			},
		},
	}

	gemini := CleanSchemaForProvider("gemini", schema)
	if _, ok := gemini["$schema"]; ok {
		t.Error("gemini should drop $schema")
	}
	if _, ok := gemini["additionalProperties"]; ok {
		t.Error("gemini should drop additionalProperties")
	}
	props := gemini["properties"].(map[string]interface{})
	inv := props["invocation"].(map[string]interface{})
	if _, ok := inv["default"]; ok {
		t.Error("gemini should drop nested default")
	}

	anthropic := CleanSchemaForProvider("anthropic", schema)
	if _, ok := anthropic["additionalProperties"]; !ok {
		t.Error("anthropic keeps additionalProperties")
	}
	if _, ok := anthropic["$schema"]; ok {
		t.Error("every provider drops $schema")
	}

	// Original untouched.
	if _, ok := schema["$schema"]; !ok {
		t.Error("input schema must not be mutated")
	}
}

func TestCollapseToolCallsWithoutSig(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "질문"},
		{Role: "assistant", Content: "찾아볼게요", ToolCalls: []ToolCall{{ID: "c1", Name: "execute_ibl"}}},
		{Role: "tool", ToolCallID: "c1", Content: "결과"},
		{Role: "assistant", Content: "완료"},
	}

	out := collapseToolCallsWithoutSig(msgs)
	if len(out) != 3 {
		t.Fatalf("got %d messages, want 3: %+v", len(out), out)
	}
	if out[1].Role != "assistant" || out[1].Content != "찾아볼게요" || len(out[1].ToolCalls) != 0 {
		t.Errorf("assistant text should survive without tool_calls: %+v", out[1])
	}

	// Signed cycles pass through untouched.
	signed := []Message{
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "c2", Metadata: map[string]string{"thought_signature": "sig"}}}},
		{Role: "tool", ToolCallID: "c2", Content: "r"},
	}
	if got := collapseToolCallsWithoutSig(signed); len(got) != 2 {
		t.Errorf("signed cycle collapsed: %+v", got)
	}
}

func TestAnthropicChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `event: message_start
data: {"type":"message_start","message":{"usage":{"input_tokens":12}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}

event: content_block_start
data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"execute_ibl"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"invocation\":"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"[system:notify]\"}"}}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}

event: message_stop
data: {"type":"message_stop"}

`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))

	var chunks []string
	resp, err := p.ChatStream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, func(c StreamChunk) {
		if c.Content != "" {
			chunks = append(chunks, c.Content)
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	if resp.Content != "Hello world" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(chunks) != 2 || chunks[0] != "Hello" {
		t.Errorf("chunks = %v", chunks)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "tu_1" || tc.Name != "execute_ibl" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Arguments["invocation"] != "[system:notify]" {
		t.Errorf("arguments = %v", tc.Arguments)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish = %s", resp.FinishReason)
	}
	if resp.Usage == nil || resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 7 || resp.Usage.TotalTokens != 19 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAIChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"Hi"}}]}

data: {"choices":[{"delta":{"content":" there"}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"execute_ibl","arguments":"{\"inv"}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\":1}"}}]}}]}

data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}

data: {"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}

data: [DONE]

`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "k", srv.URL, "gpt-4o")
	resp, err := p.ChatStream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if resp.Content != "Hi there" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "call_1" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Arguments["inv"] != float64(1) {
		t.Errorf("arguments = %v", resp.ToolCalls[0].Arguments)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish = %s", resp.FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 8 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAIChatError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "bad", srv.URL, "gpt-4o")
	_, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v", err)
	}
}

func TestOllamaStreamFallsBackWithTools(t *testing.T) {
	streamed := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"done"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "qwen3")
	var got []StreamChunk
	resp, err := p.ChatStream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "x"}},
		Tools: []ToolDefinition{{
			Type:     "function",
			Function: ToolFunctionSchema{Name: "execute_ibl"},
		}},
	}, func(c StreamChunk) {
		got = append(got, c)
		streamed = true
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "done" {
		t.Errorf("content = %q", resp.Content)
	}
	if !streamed || !got[len(got)-1].Done {
		t.Errorf("fallback should synthesize chunks ending in done, got %+v", got)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("anthropic"); err == nil {
		t.Error("empty registry should miss")
	}

	r.Register(NewAnthropicProvider("k"))
	r.Register(NewGeminiProvider("k", "", ""))

	p, err := r.Get("anthropic")
	if err != nil || p.Name() != "anthropic" {
		t.Fatalf("got %v, %v", p, err)
	}
	names := r.Names()
	if len(names) != 2 || names[0] != "anthropic" || names[1] != "gemini" {
		t.Errorf("names = %v", names)
	}
	if r.Len() != 2 {
		t.Errorf("len = %d", r.Len())
	}
}
