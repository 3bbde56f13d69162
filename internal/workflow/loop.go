package workflow

import (
	"encoding/json"
	"os"
	"regexp"
	"strings"
)

// Decision is the outcome of one completion-check evaluation (§4.A, §6).
type Decision string

const (
	DecisionComplete   Decision = "complete"
	DecisionIncomplete Decision = "incomplete"
	DecisionFail       Decision = "fail"
)

// decisionFile is the structured JSON shape a completion check may write.
type decisionFile struct {
	Decision     string   `json:"decision"`
	CheckID      string   `json:"check_id,omitempty"`
	Reasons      []string `json:"reasons,omitempty"`
	Fingerprints []string `json:"fingerprints,omitempty"`
}

var (
	textLinePattern   = regexp.MustCompile(`(?i)^(PASS|COMPLETE|FAIL|INCOMPLETE)$`)
	stdoutTokenPattern = regexp.MustCompile(`(?i)\b(COMPLETE|INCOMPLETE)\b`)
)

// ParseDecision resolves a completion check's outcome. It first tries
// path as a structured-or-text decision file; when path is empty or
// unreadable it falls back to scanning stdout for the last occurrence
// of a whole-word COMPLETE/INCOMPLETE token (§6). Returns DecisionFail
// when neither source yields a recognizable verdict — the executor
// treats that as a completion-infrastructure failure.
func ParseDecision(path, stdout string) Decision {
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if d, ok := parseDecisionBytes(data); ok {
				return d
			}
		}
	}
	return parseStdoutFallback(stdout)
}

func parseDecisionBytes(data []byte) (Decision, bool) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return "", false
	}

	var df decisionFile
	if err := json.Unmarshal([]byte(trimmed), &df); err == nil && df.Decision != "" {
		switch strings.ToLower(df.Decision) {
		case "complete":
			return DecisionComplete, true
		case "incomplete":
			return DecisionIncomplete, true
		case "fail":
			return DecisionFail, true
		}
		return "", false
	}

	if m := textLinePattern.FindString(trimmed); m != "" {
		switch strings.ToUpper(m) {
		case "PASS", "COMPLETE":
			return DecisionComplete, true
		case "FAIL", "INCOMPLETE":
			return DecisionIncomplete, true
		}
	}
	return "", false
}

// parseStdoutFallback finds the last whole-word COMPLETE/INCOMPLETE
// token in stdout. "completed" must not match (\b anchors on word
// boundaries so the trailing "ed" excludes it).
func parseStdoutFallback(stdout string) Decision {
	matches := stdoutTokenPattern.FindAllString(stdout, -1)
	if len(matches) == 0 {
		return DecisionFail
	}
	switch strings.ToUpper(matches[len(matches)-1]) {
	case "COMPLETE":
		return DecisionComplete
	case "INCOMPLETE":
		return DecisionIncomplete
	default:
		return DecisionFail
	}
}
