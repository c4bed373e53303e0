package agent

import (
	"regexp"
	"strings"
)

// 关键词黑名单。命中即拦截，消息不会触达 LLM。
var blockedKeywords = []string{
	"kill", "attack", "hack", "exploit", "bomb", "terror", "suicide",
	"drugs", "violence", "porn", "nude", "racist", "hate", "murder",
}

var blockedPattern = regexp.MustCompile(`(?i)\b(?:` + strings.Join(blockedKeywords, "|") + `)\b`)

// BlockedNotice 拦截时返回给用户的提示。
const BlockedNotice = "⚠️ Your message was blocked by safety guardrails. Please rephrase."

// CheckGuardrails 检查用户消息是否命中黑名单。
// 返回 (是否拦截, 拦截提示)。
func CheckGuardrails(userMessage string) (bool, string) {
	if blockedPattern.MatchString(userMessage) {
		return true, BlockedNotice
	}
	return false, ""
}
