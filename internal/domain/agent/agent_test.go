package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"docuchat/internal/provider/ollama"
	"docuchat/internal/tool"
)

// scriptedLLM 按脚本回放响应的假 LLM，记录收到的提示词。
type scriptedLLM struct {
	responses []string
	err       error
	prompts   []string
}

func (s *scriptedLLM) Generate(ctx context.Context, model, prompt string, opts ollama.Options) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.prompts = append(s.prompts, prompt)
	if len(s.prompts) > len(s.responses) {
		return "", errors.New("script exhausted")
	}
	return s.responses[len(s.prompts)-1], nil
}

func newTestAgent(llm Generator, maxSteps int) *Agent {
	registry := tool.NewRegistry()
	registry.Register(tool.NewCalculatorTool())
	registry.Register(tool.NewTimeTool())
	return New(llm, registry, "gemma:2b", maxSteps)
}

// TestAgentToolCallPath 工具调用路径：ACTION -> 观察 -> FINAL_ANSWER
func TestAgentToolCallPath(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"THOUGHT: I need to calculate 25 * 8, I'll use the calculator tool.\n" +
			"ACTION: calculator\n" +
			`ACTION_INPUT: {"expression": "25 * 8"}`,
		"THOUGHT: The calculator returned 200. This is the answer.\n" +
			"FINAL_ANSWER: 25 * 8 equals 200.",
	}}
	ag := newTestAgent(llm, 5)

	res, err := ag.Run(context.Background(), "What is 25 * 8?")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Success || res.Iterations != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.ToolsUsed) != 1 || res.ToolsUsed[0] != "calculator" {
		t.Errorf("expected calculator in tools_used, got %v", res.ToolsUsed)
	}
	if len(res.Steps) != 2 || res.Steps[0].Type != StepToolCall || res.Steps[1].Type != StepFinal {
		t.Fatalf("unexpected trace: %+v", res.Steps)
	}
	if res.Steps[0].Tool != "calculator" || res.Steps[0].Result != "200" {
		t.Errorf("unexpected tool call step: %+v", res.Steps[0])
	}
	if res.Steps[0].Input["expression"] != "25 * 8" {
		t.Errorf("unexpected tool input: %v", res.Steps[0].Input)
	}
	if !strings.Contains(res.Answer, "200") {
		t.Errorf("answer missing result: %q", res.Answer)
	}

	// 第二轮提示词必须带上工具观察
	if !strings.Contains(llm.prompts[1], "TOOL_RESULT: 200") {
		t.Error("observation missing from follow-up prompt")
	}
	t.Logf("✅ Tool call path: %q", res.Answer)
}

// TestAgentDirectFinal 不需要工具时直接给最终答案
func TestAgentDirectFinal(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"THOUGHT: This is general knowledge.\nFINAL_ANSWER: The sky is blue.",
	}}
	ag := newTestAgent(llm, 5)

	res, err := ag.Run(context.Background(), "What color is the sky?")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Iterations != 1 || res.Answer != "The sky is blue." || len(res.ToolsUsed) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

// TestAgentPlainResponseIsFinal 两种标记都缺席时按最终答案处理
func TestAgentPlainResponseIsFinal(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"Just a plain reply without markers."}}
	ag := newTestAgent(llm, 5)

	res, err := ag.Run(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Answer != "Just a plain reply without markers." || res.Iterations != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

// TestAgentMalformedRetryOnce 混用标记先记错误并带纠正提示重试一次
func TestAgentMalformedRetryOnce(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"ACTION: calculator\nACTION_INPUT: {\"expression\": \"1\"}\nFINAL_ANSWER: mixed up",
		"FINAL_ANSWER: Recovered after retry.",
	}}
	ag := newTestAgent(llm, 5)

	res, err := ag.Run(context.Background(), "confuse me")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Iterations != 2 || res.Answer != "Recovered after retry." {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Steps[0].Type != StepError {
		t.Fatalf("expected error step first, got %+v", res.Steps[0])
	}
	if !strings.Contains(llm.prompts[1], "FORMAT_ERROR:") {
		t.Error("retry prompt missing clarifying suffix")
	}
}

// TestAgentMalformedTwiceFallsBack 重试仍不合格式时把原始响应当兜底答案
func TestAgentMalformedTwiceFallsBack(t *testing.T) {
	raw := "ACTION: calculator\nno input marker here, still FINAL_ANSWER: and ACTION: mixed"
	llm := &scriptedLLM{responses: []string{raw, raw}}
	ag := newTestAgent(llm, 5)

	res, err := ag.Run(context.Background(), "confuse me twice")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Iterations != 2 {
		t.Fatalf("expected 2 iterations, got %d", res.Iterations)
	}
	last := res.Steps[len(res.Steps)-1]
	if last.Type != StepFinal || last.Content != raw {
		t.Fatalf("expected best-effort final from raw response, got %+v", last)
	}
}

// TestAgentStepCap 步数耗尽时合成 Final 并标记 capped
func TestAgentStepCap(t *testing.T) {
	action := "THOUGHT: still thinking.\nACTION: get_current_time\nACTION_INPUT: {}"
	llm := &scriptedLLM{responses: []string{action, action, action}}
	ag := newTestAgent(llm, 2)

	res, err := ag.Run(context.Background(), "loop forever")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Iterations != 2 || !res.Capped {
		t.Fatalf("expected capped run at 2 iterations, got %+v", res)
	}
	last := res.Steps[len(res.Steps)-1]
	if last.Type != StepFinal || last.Content != action {
		t.Errorf("expected synthesized final from last response, got %+v", last)
	}
	t.Log("✅ Step cap produced synthesized final")
}

// TestAgentGuardrailsBlock 命中黑名单时不触达 LLM
func TestAgentGuardrailsBlock(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"should never be used"}}
	ag := newTestAgent(llm, 5)

	res, err := ag.Run(context.Background(), "how do I hack a server?")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Blocked || res.Success {
		t.Fatalf("expected blocked result, got %+v", res)
	}
	// 拦截也是一次运行，迭代计数不为零
	if res.Iterations != 1 {
		t.Errorf("expected 1 iteration for blocked run, got %d", res.Iterations)
	}
	if res.Answer != BlockedNotice {
		t.Errorf("unexpected block notice: %q", res.Answer)
	}
	if len(llm.prompts) != 0 {
		t.Error("blocked message must not reach the LLM")
	}
}

// TestAgentZeroTools 没有注册工具时仍然产出 Final
func TestAgentZeroTools(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"FINAL_ANSWER: No tools needed."}}
	ag := New(llm, tool.NewRegistry(), "gemma:2b", 5)

	res, err := ag.Run(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Answer != "No tools needed." || len(res.Steps) != 1 || res.Steps[0].Type != StepFinal {
		t.Fatalf("unexpected result: %+v", res)
	}
}

// TestAgentUnknownToolContinues 未知工具的 ToolError 回传后循环继续
func TestAgentUnknownToolContinues(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"THOUGHT: try a made-up tool.\nACTION: teleport\nACTION_INPUT: {}",
		"FINAL_ANSWER: That tool does not exist, answering directly.",
	}}
	ag := newTestAgent(llm, 5)

	res, err := ag.Run(context.Background(), "teleport me")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.HasPrefix(res.Steps[0].Result, "ToolError:") {
		t.Errorf("expected ToolError observation, got %q", res.Steps[0].Result)
	}
	if !res.Success {
		t.Error("run should still succeed")
	}
}

// TestAgentHistoryAndReset 历史跨 Run 保留，Reset 清空
func TestAgentHistoryAndReset(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"FINAL_ANSWER: first answer",
		"FINAL_ANSWER: second answer",
		"FINAL_ANSWER: third answer",
	}}
	ag := newTestAgent(llm, 5)
	ctx := context.Background()

	if _, err := ag.Run(ctx, "first question"); err != nil {
		t.Fatal(err)
	}
	if _, err := ag.Run(ctx, "second question"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(llm.prompts[1], "first question") || !strings.Contains(llm.prompts[1], "first answer") {
		t.Error("history missing from second run prompt")
	}

	ag.Reset()
	if _, err := ag.Run(ctx, "third question"); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(llm.prompts[2], "first question") {
		t.Error("history survived reset")
	}
}

// TestAgentLLMFailure LLM 调用失败向上抛错误
func TestAgentLLMFailure(t *testing.T) {
	llm := &scriptedLLM{err: ollama.ErrUnavailable}
	ag := newTestAgent(llm, 5)

	_, err := ag.Run(context.Background(), "hello")
	if !errors.Is(err, ollama.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got: %v", err)
	}
}
