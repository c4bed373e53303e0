package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	applog "docuchat/internal/platform/log"
	"docuchat/internal/provider/ollama"
	"docuchat/internal/tool"
)

// StepType trace 步骤类型。
type StepType string

const (
	StepToolCall StepType = "tool_call"
	StepFinal    StepType = "final"
	StepError    StepType = "error"
	StepPlan     StepType = "plan"
	StepThought  StepType = "thought"
)

// Step 推理轨迹中的一步。
type Step struct {
	Type    StepType       `json:"type"`
	Thought string         `json:"thought,omitempty"`
	Tool    string         `json:"tool,omitempty"`
	Input   map[string]any `json:"input,omitempty"`
	Result  string         `json:"result,omitempty"`
	Content string         `json:"content,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Result 一次 agent 运行的完整结果。
type Result struct {
	Answer     string   `json:"answer"`
	Steps      []Step   `json:"steps"`
	ToolsUsed  []string `json:"tools_used"`
	Iterations int      `json:"iterations"`
	Capped     bool     `json:"capped"`
	Blocked    bool     `json:"blocked"`
	Success    bool     `json:"success"`
}

// Generator agent 需要的 LLM 能力。
type Generator interface {
	Generate(ctx context.Context, model, prompt string, opts ollama.Options) (string, error)
}

type turn struct {
	role    string // user / assistant / tool
	content string
}

// Agent ReAct（推理-行动）循环。单实例串行使用即可，历史跨 Run 保留，
// Reset 清空。锁只护历史，LLM 调用在锁外。
type Agent struct {
	llm      Generator
	registry *tool.Registry
	model    string
	maxSteps int

	mu      sync.Mutex
	history []turn
}

// New 创建 agent。maxSteps <= 0 时回落到 5。
func New(llm Generator, registry *tool.Registry, model string, maxSteps int) *Agent {
	if maxSteps <= 0 {
		maxSteps = 5
	}
	return &Agent{
		llm:      llm,
		registry: registry,
		model:    model,
		maxSteps: maxSteps,
	}
}

// Model 返回 agent 使用的模型名。
func (a *Agent) Model() string { return a.model }

// MaxSteps 返回步数上限。
func (a *Agent) MaxSteps() int { return a.maxSteps }

// Tools 返回可用工具描述。
func (a *Agent) Tools() []tool.Descriptor {
	return a.registry.Descriptors()
}

// Reset 清空会话历史。
func (a *Agent) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = nil
	applog.Info("[Agent] Conversation history cleared")
}

// Run 执行一轮 ReAct 循环。守护栏命中时不触达 LLM，直接返回拦截提示。
// LLM 调用失败时返回错误，同时带回已产生的轨迹。
func (a *Agent) Run(ctx context.Context, userMessage string) (Result, error) {
	if blocked, notice := CheckGuardrails(userMessage); blocked {
		applog.Warn("[Agent] Message blocked by guardrails")
		// 拦截检查本身算一次迭代，Iterations 对任何一次运行都至少为 1
		return Result{
			Answer:     notice,
			Blocked:    true,
			Success:    false,
			Iterations: 1,
			ToolsUsed:  []string{},
			Steps:      []Step{},
		}, nil
	}

	a.mu.Lock()
	a.history = append(a.history, turn{role: "user", content: userMessage})
	a.mu.Unlock()

	res := Result{Steps: []Step{}, ToolsUsed: []string{}}
	toolsSeen := make(map[string]bool)
	retried := false
	lastResponse := ""

	for res.Iterations < a.maxSteps {
		res.Iterations++
		applog.Debug("[Agent] Iteration", "n", res.Iterations, "max", a.maxSteps)

		prompt := a.buildPrompt()
		response, err := a.llm.Generate(ctx, a.model, prompt, ollama.AgentOptions())
		if err != nil {
			return res, fmt.Errorf("agent llm call: %w", err)
		}
		response = strings.TrimSpace(response)
		lastResponse = response

		parsed := parseResponse(response)
		switch parsed.kind {
		case responseFinal:
			res.Steps = append(res.Steps, Step{Type: StepFinal, Content: parsed.answer})
			res.Answer = parsed.answer
			res.Success = true
			a.appendHistory(turn{role: "assistant", content: parsed.answer})
			return res, nil

		case responseAction:
			result := a.registry.Execute(ctx, parsed.toolName, parsed.toolInput)
			res.Steps = append(res.Steps, Step{
				Type:    StepToolCall,
				Thought: parsed.thought,
				Tool:    parsed.toolName,
				Input:   parsed.toolInput,
				Result:  result,
			})
			if !toolsSeen[parsed.toolName] {
				toolsSeen[parsed.toolName] = true
				res.ToolsUsed = append(res.ToolsUsed, parsed.toolName)
			}
			a.appendHistory(
				turn{role: "assistant", content: fmt.Sprintf("ACTION: %s\nACTION_INPUT: %s", parsed.toolName, parsed.rawInput)},
				turn{role: "tool", content: "TOOL_RESULT: " + result},
			)

		case responseMalformed:
			if !retried {
				// 第一次格式错误：记录并带着纠正提示重试一次
				retried = true
				res.Steps = append(res.Steps, Step{Type: StepError, Message: parsed.problem})
				a.appendHistory(turn{
					role: "tool",
					content: "FORMAT_ERROR: " + parsed.problem +
						" Respond again with either ACTION/ACTION_INPUT or FINAL_ANSWER, never both.",
				})
				continue
			}
			// 重试仍不合格式：把原始响应当作兜底答案
			res.Steps = append(res.Steps, Step{Type: StepFinal, Content: response})
			res.Answer = response
			res.Success = true
			a.appendHistory(turn{role: "assistant", content: response})
			return res, nil

		case responsePlain:
			// 两种标记都没有，按原样视为最终回答
			res.Steps = append(res.Steps, Step{Type: StepFinal, Content: response})
			res.Answer = response
			res.Success = true
			a.appendHistory(turn{role: "assistant", content: response})
			return res, nil
		}
	}

	// 步数耗尽：以最后一次响应合成 Final 并标记 capped
	res.Steps = append(res.Steps, Step{Type: StepFinal, Content: lastResponse})
	res.Answer = lastResponse
	res.Capped = true
	res.Success = true
	a.appendHistory(turn{role: "assistant", content: lastResponse})
	applog.Warn("[Agent] Step cap reached", "max_steps", a.maxSteps)
	return res, nil
}

func (a *Agent) appendHistory(turns ...turn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, turns...)
}

func (a *Agent) buildPrompt() string {
	a.mu.Lock()
	history := make([]turn, len(a.history))
	copy(history, a.history)
	a.mu.Unlock()

	var sb strings.Builder
	sb.WriteString(systemPrompt(a.registry.Descriptors()))
	sb.WriteString("\n\n")
	for _, t := range history {
		switch t.role {
		case "user":
			sb.WriteString("User: " + t.content + "\n\n")
		case "assistant":
			sb.WriteString("Assistant: " + t.content + "\n\n")
		case "tool":
			sb.WriteString(t.content + "\n\n")
		}
	}
	sb.WriteString("Assistant: ")
	return sb.String()
}
