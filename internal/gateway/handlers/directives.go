package handlers

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mrmushfiq/codeassist-gateway/internal/gateway/providers"
)

var (
	effortDirective = regexp.MustCompile(`(?i)\s*\breasoning_effort\s*=\s*(low|medium|high|none)\b`)
	showDirective   = regexp.MustCompile(`(?i)\s*\bshow_reasoning\s*=\s*(true|false)\b`)
	cleanDirective  = regexp.MustCompile(`(?i)\s*\bclean_context\s*=\s*(true|false)\b`)

	thinkingSpan = regexp.MustCompile(`(?s)<thinking>.*?</thinking>`)
)

// Directives are inline settings embedded in the system prompt. Unset
// fields leave the request's own settings alone.
type Directives struct {
	ReasoningEffort providers.ReasoningEffort
	ShowReasoning   *bool
	CleanContext    *bool
}

// ParseDirectives strips directives from a system prompt. When a directive
// appears more than once the last occurrence wins.
func ParseDirectives(system string) (string, Directives) {
	var d Directives

	if v, ok := lastValue(effortDirective, system); ok {
		d.ReasoningEffort, _ = providers.ParseReasoningEffort(v)
	}
	if v, ok := lastValue(showDirective, system); ok {
		b, _ := strconv.ParseBool(strings.ToLower(v))
		d.ShowReasoning = &b
	}
	if v, ok := lastValue(cleanDirective, system); ok {
		b, _ := strconv.ParseBool(strings.ToLower(v))
		d.CleanContext = &b
	}

	for _, re := range []*regexp.Regexp{effortDirective, showDirective, cleanDirective} {
		system = re.ReplaceAllString(system, "")
	}
	return strings.TrimSpace(system), d
}

func lastValue(re *regexp.Regexp, s string) (string, bool) {
	matches := re.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return "", false
	}
	return matches[len(matches)-1][1], true
}

// CleanThinking removes <thinking> spans left in earlier turns.
func CleanThinking(s string) string {
	return thinkingSpan.ReplaceAllString(s, "")
}
