package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	applog "docuchat/internal/platform/log"
	"docuchat/internal/provider/ollama"
	"docuchat/internal/tool"
)

// planStepRe 从计划文本里提取编号步骤。
var planStepRe = regexp.MustCompile(`(?m)^\s*\d+\.\s*(.+)$`)

// Planner 计划-执行（Plan-and-Execute）agent。先让 LLM 产出一份编号计划，
// 再逐步执行：每一步单独问是否需要工具，最后基于执行轨迹要最终答案。
// 与 ReAct 循环共用工具注册表、响应解析与守护栏。
type Planner struct {
	llm      Generator
	registry *tool.Registry
	model    string
	maxSteps int

	mu      sync.Mutex
	history []turn
}

// NewPlanner 创建计划-执行 agent。maxSteps <= 0 时回落到 5。
func NewPlanner(llm Generator, registry *tool.Registry, model string, maxSteps int) *Planner {
	if maxSteps <= 0 {
		maxSteps = 5
	}
	return &Planner{
		llm:      llm,
		registry: registry,
		model:    model,
		maxSteps: maxSteps,
	}
}

// Model 返回 agent 使用的模型名。
func (p *Planner) Model() string { return p.model }

// MaxSteps 返回 LLM 调用次数上限。
func (p *Planner) MaxSteps() int { return p.maxSteps }

// Tools 返回可用工具描述。
func (p *Planner) Tools() []tool.Descriptor {
	return p.registry.Descriptors()
}

// Reset 清空会话历史。
func (p *Planner) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = nil
	applog.Info("[Planner] Conversation history cleared")
}

// Run 执行一轮计划-执行流程。Iterations 统计 LLM 调用次数：
// 计划与收尾各占一次，中间最多执行 maxSteps-2 个计划步骤，
// 超出的步骤丢弃并标记 capped。守护栏命中时不触达 LLM。
func (p *Planner) Run(ctx context.Context, userMessage string) (Result, error) {
	if blocked, notice := CheckGuardrails(userMessage); blocked {
		applog.Warn("[Planner] Message blocked by guardrails")
		return Result{
			Answer:     notice,
			Blocked:    true,
			Success:    false,
			Iterations: 1,
			ToolsUsed:  []string{},
			Steps:      []Step{},
		}, nil
	}

	p.mu.Lock()
	p.history = append(p.history, turn{role: "user", content: userMessage})
	p.mu.Unlock()

	res := Result{Steps: []Step{}, ToolsUsed: []string{}}
	system := plannerSystemPrompt(p.registry.Descriptors())

	// ── 阶段一：产出计划 ──
	res.Iterations++
	planText, err := p.llm.Generate(ctx, p.model,
		system+"\nUser: "+userMessage+"\n\nPLAN:", ollama.AgentOptions())
	if err != nil {
		return res, fmt.Errorf("planner llm call: %w", err)
	}
	planText = strings.TrimSpace(planText)
	res.Steps = append(res.Steps, Step{Type: StepPlan, Content: planText})

	planSteps := parsePlanSteps(planText)
	// 计划一次 + 收尾一次，可执行步骤最多 maxSteps-2
	limit := p.maxSteps - 2
	if limit < 1 {
		limit = 1
	}
	if len(planSteps) > limit {
		applog.Warn("[Planner] Plan exceeds executable step limit, truncating",
			"plan_steps", len(planSteps), "limit", limit)
		planSteps = planSteps[:limit]
		res.Capped = true
	}

	// ── 阶段二：逐步执行 ──
	toolsSeen := make(map[string]bool)
	for _, stepText := range planSteps {
		stepPrompt := system +
			"\nUser: " + userMessage +
			"\nPLAN: " + planText +
			"\nCURRENT_STEP: " + stepText +
			"\n\nShould I use a tool? If yes, reply in ACTION/ACTION_INPUT format. " +
			"If not, reply with THOUGHT and FINAL_ANSWER."

		res.Iterations++
		response, err := p.llm.Generate(ctx, p.model, stepPrompt, ollama.AgentOptions())
		if err != nil {
			return res, fmt.Errorf("planner llm call: %w", err)
		}
		response = strings.TrimSpace(response)

		parsed := parseResponse(response)
		if parsed.kind == responseAction {
			result := p.registry.Execute(ctx, parsed.toolName, parsed.toolInput)
			res.Steps = append(res.Steps, Step{
				Type:    StepToolCall,
				Thought: stepText,
				Tool:    parsed.toolName,
				Input:   parsed.toolInput,
				Result:  result,
			})
			if !toolsSeen[parsed.toolName] {
				toolsSeen[parsed.toolName] = true
				res.ToolsUsed = append(res.ToolsUsed, parsed.toolName)
			}
			continue
		}
		// 该步不需要工具，原样记下模型的判断
		res.Steps = append(res.Steps, Step{Type: StepThought, Thought: stepText, Content: response})
	}

	// ── 阶段三：收尾 ──
	res.Iterations++
	answer, err := p.llm.Generate(ctx, p.model,
		system+
			"\nUser: "+userMessage+
			"\nPLAN: "+planText+
			"\nSTEPS_EXECUTED:\n"+renderExecutedSteps(res.Steps)+
			"\n\nWhat is the final answer?", ollama.AgentOptions())
	if err != nil {
		return res, fmt.Errorf("planner llm call: %w", err)
	}
	answer = strings.TrimSpace(answer)
	if parsed := parseResponse(answer); parsed.kind == responseFinal {
		answer = parsed.answer
	}

	res.Steps = append(res.Steps, Step{Type: StepFinal, Content: answer})
	res.Answer = answer
	res.Success = true

	p.mu.Lock()
	p.history = append(p.history, turn{role: "assistant", content: answer})
	p.mu.Unlock()
	return res, nil
}

// parsePlanSteps 提取编号步骤文本。没有编号列表时返回空，直接进入收尾。
func parsePlanSteps(planText string) []string {
	var steps []string
	for _, m := range planStepRe.FindAllStringSubmatch(planText, -1) {
		if s := strings.TrimSpace(m[1]); s != "" {
			steps = append(steps, s)
		}
	}
	return steps
}

// renderExecutedSteps 把执行轨迹渲染成收尾提示词里的文本。
func renderExecutedSteps(steps []Step) string {
	var sb strings.Builder
	for _, s := range steps {
		switch s.Type {
		case StepToolCall:
			fmt.Fprintf(&sb, "- step %q: used tool %s, result: %s\n", s.Thought, s.Tool, s.Result)
		case StepThought:
			fmt.Fprintf(&sb, "- step %q: no tool needed, note: %s\n", s.Thought, s.Content)
		}
	}
	if sb.Len() == 0 {
		return "- (no steps executed)\n"
	}
	return sb.String()
}
