// Package approval turns free-form channel replies and reactions into
// approval decisions and applies them to pending requests.
package approval

import (
	"strings"
)

// Decision is the outcome of parsing an approval reply.
type Decision string

const (
	DecisionApprove Decision = "approved"
	DecisionDeny    Decision = "denied"
	DecisionDefer   Decision = "deferred"
	DecisionCancel  Decision = "cancelled"
	DecisionClarify Decision = "clarify"
	DecisionUnknown Decision = "unknown"
)

// ParseResult carries the decision, a confidence score, and the
// normalized input text.
type ParseResult struct {
	Decision   Decision `json:"decision"`
	Confidence float64  `json:"confidence"`
	Normalized string   `json:"normalized"`
}

// Token vocabulary per decision. English, Korean, and emoji forms.
var decisionTokens = map[Decision][]string{
	DecisionApprove: {"yes", "ok", "approve", "allow", "go", "승인", "허용", "✅", "👍", "🟢", "🙆", "👌"},
	DecisionDeny:    {"no", "deny", "reject", "stop", "block", "거절", "불가", "금지", "❌", "👎", "🔴", "🙅", "⛔"},
	DecisionDefer:   {"later", "hold", "wait", "보류", "대기", "나중에", "⏸️", "⏳", "🤔"},
	DecisionCancel:  {"cancel", "abort", "취소", "중단"},
	DecisionClarify: {"why", "reason", "explain", "왜", "이유", "설명"},
}

var scoringOrder = []Decision{DecisionApprove, DecisionDeny, DecisionDefer, DecisionCancel, DecisionClarify}

// Parse pattern-matches the text against the decision vocabularies. The
// decision with the most token hits wins; confidence grows with the
// margin over the runner-up.
func Parse(text string) ParseResult {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return ParseResult{Decision: DecisionUnknown, Confidence: 0, Normalized: ""}
	}

	scores := make(map[Decision]int, len(scoringOrder))
	for _, decision := range scoringOrder {
		for _, token := range decisionTokens[decision] {
			if containsToken(normalized, token) {
				scores[decision]++
			}
		}
	}

	var top, second int
	best := DecisionUnknown
	for _, decision := range scoringOrder {
		s := scores[decision]
		if s > top {
			second = top
			top = s
			best = decision
		} else if s > second {
			second = s
		}
	}
	if top == 0 || top == second {
		return ParseResult{Decision: DecisionUnknown, Confidence: 0.1, Normalized: normalized}
	}
	confidence := 0.5 + 0.2*float64(top-second)
	if confidence > 1 {
		confidence = 1
	}
	return ParseResult{Decision: best, Confidence: confidence, Normalized: normalized}
}

// containsToken matches ASCII tokens on word boundaries and non-ASCII
// tokens (Korean, emoji) as substrings.
func containsToken(text, token string) bool {
	if isASCII(token) {
		for _, word := range strings.FieldsFunc(text, func(r rune) bool {
			return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
		}) {
			if word == token {
				return true
			}
		}
		return false
	}
	return strings.Contains(text, token)
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > 127 {
			return false
		}
	}
	return true
}

// ReactionDecision maps a channel reaction name to a decision. Unknown
// reactions return DecisionUnknown.
func ReactionDecision(name string) Decision {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "white_check_mark", "heavy_check_mark", "thumbsup", "+1", "ok_hand", "large_green_circle":
		return DecisionApprove
	case "thumbsdown", "-1", "x", "no_entry", "octagonal_sign", "red_circle":
		return DecisionDeny
	case "hourglass", "hourglass_flowing_sand", "pause_button", "thinking_face":
		return DecisionDefer
	case "wastebasket", "stop_sign":
		return DecisionCancel
	case "question", "grey_question":
		return DecisionClarify
	default:
		return DecisionUnknown
	}
}
