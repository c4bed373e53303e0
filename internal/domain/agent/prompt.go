package agent

import (
	"fmt"
	"sort"
	"strings"

	"docuchat/internal/tool"
)

// toolCatalog 把工具描述拼成提示词里的清单。
func toolCatalog(tools []tool.Descriptor) string {
	var lines []string
	for _, t := range tools {
		line := fmt.Sprintf("- %s: %s", t.Name, t.Description)
		if len(t.Parameters) > 0 {
			params := make([]string, 0, len(t.Parameters))
			for name, p := range t.Parameters {
				req := "optional"
				if p.Required {
					req = "required"
				}
				params = append(params, fmt.Sprintf("%s (%s, %s): %s", name, p.Type, req, p.Description))
			}
			sort.Strings(params)
			line += " Parameters: " + strings.Join(params, "; ")
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// systemPrompt 拼装 ReAct agent 系统提示词：工具清单、输出格式、示例。
func systemPrompt(tools []tool.Descriptor) string {
	return `You are a helpful AI agent with access to tools. You can use tools to help answer questions.

Available Tools:
` + toolCatalog(tools) + `

When you need to use a tool, respond in this EXACT format:
THOUGHT: [Explain your reasoning about what you need to do]
ACTION: [tool_name]
ACTION_INPUT: {"parameter": "value"}

When you have the final answer, respond in this format:
THOUGHT: [Explain your final reasoning]
FINAL_ANSWER: [Your complete answer to the user]

Important Rules:
1. ALWAYS start with THOUGHT to explain your reasoning
2. Use ACTION when you need a tool
3. Use FINAL_ANSWER when you're done
4. Be clear and concise
5. If a tool gives an error, try a different approach

Example:
User: What is 25 + 17?
THOUGHT: I need to calculate 25 + 17, I'll use the calculator tool.
ACTION: calculator
ACTION_INPUT: {"expression": "25 + 17"}

[After getting tool result]
THOUGHT: The calculator returned 42. This is the answer.
FINAL_ANSWER: 25 + 17 equals 42.
`
}

// plannerSystemPrompt 计划-执行 agent 的系统提示词。
func plannerSystemPrompt(tools []tool.Descriptor) string {
	return `You are a helpful AI agent with access to tools. You use a Plan-and-Execute approach.

Available Tools:
` + toolCatalog(tools) + `

When you receive a user query, first create a PLAN as a numbered list of steps.
Then, for each step, decide if you need to use a tool.
If you use a tool, respond in this format:
THOUGHT: [Explain your reasoning]
ACTION: [tool_name]
ACTION_INPUT: {"parameter": "value"}

After executing all steps, respond with:
THOUGHT: [Final reasoning]
FINAL_ANSWER: [Your complete answer]
`
}
