package agent

import (
	"encoding/json"
	"regexp"
	"strings"
)

type responseKind int

const (
	responseFinal responseKind = iota
	responseAction
	responseMalformed
	responsePlain
)

// parsedResponse 一次 LLM 响应的解析结果。
type parsedResponse struct {
	kind      responseKind
	answer    string         // responseFinal
	thought   string         // responseAction
	toolName  string         // responseAction
	toolInput map[string]any // responseAction
	rawInput  string         // responseAction，规范化后的 JSON
	problem   string         // responseMalformed
}

const (
	markerThought     = "THOUGHT:"
	markerAction      = "ACTION:"
	markerActionInput = "ACTION_INPUT:"
	markerFinal       = "FINAL_ANSWER:"
)

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// parseResponse 解析 ReAct 格式响应。
// 同时出现 FINAL_ANSWER 与 ACTION、或 ACTION_INPUT 不是合法 JSON 对象
// 都算格式错误；两种标记都缺席按普通文本处理，由调用方兜底为最终回答。
func parseResponse(response string) parsedResponse {
	hasFinal := strings.Contains(response, markerFinal)
	hasAction := strings.Contains(response, markerAction)

	if hasFinal && hasAction {
		return parsedResponse{
			kind:    responseMalformed,
			problem: "response mixed FINAL_ANSWER and ACTION markers.",
		}
	}

	if hasFinal {
		answer := strings.TrimSpace(strings.SplitN(response, markerFinal, 2)[1])
		return parsedResponse{kind: responseFinal, answer: answer}
	}

	if hasAction {
		if !strings.Contains(response, markerActionInput) {
			return parsedResponse{
				kind:    responseMalformed,
				problem: "ACTION marker without ACTION_INPUT.",
			}
		}

		thought := ""
		before := strings.SplitN(response, markerAction, 2)[0]
		if strings.Contains(before, markerThought) {
			thought = strings.TrimSpace(strings.SplitN(before, markerThought, 2)[1])
		}

		afterAction := strings.SplitN(response, markerAction, 2)[1]
		parts := strings.SplitN(afterAction, markerActionInput, 2)
		toolName := strings.TrimSpace(parts[0])
		inputStr := strings.TrimSpace(parts[1])

		input, ok := parseToolInput(inputStr)
		if !ok {
			return parsedResponse{
				kind:    responseMalformed,
				problem: "ACTION_INPUT is not a valid JSON object.",
			}
		}

		normalized, _ := json.Marshal(input)
		return parsedResponse{
			kind:      responseAction,
			thought:   thought,
			toolName:  toolName,
			toolInput: input,
			rawInput:  string(normalized),
		}
	}

	return parsedResponse{kind: responsePlain}
}

// parseToolInput 宽松解析 ACTION_INPUT：先整体按 JSON 对象解析，
// 失败时从文本中抠出第一段花括号再试。
func parseToolInput(s string) (map[string]any, bool) {
	var input map[string]any
	if err := json.Unmarshal([]byte(s), &input); err == nil {
		return input, true
	}
	if match := jsonObjectRe.FindString(s); match != "" {
		if err := json.Unmarshal([]byte(match), &input); err == nil {
			return input, true
		}
	}
	return nil, false
}
