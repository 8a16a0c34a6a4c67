package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// ThreatLevel classifies a scanned inbound message.
type ThreatLevel int

const (
	ThreatNone ThreatLevel = iota
	ThreatLow
	ThreatMedium
	ThreatHigh
)

func (t ThreatLevel) String() string {
	switch t {
	case ThreatLow:
		return "LOW"
	case ThreatMedium:
		return "MEDIUM"
	case ThreatHigh:
		return "HIGH"
	default:
		return "NONE"
	}
}

// ScanResult is the scanner's verdict on one message.
type ScanResult struct {
	Level           ThreatLevel
	MatchedPatterns []string
	// SanitizedContent wraps suspicious regions in warning markers. Equal
	// to the input when Level is NONE.
	SanitizedContent string
}

// DeepScanner reclassifies HIGH hits with a more expensive model before the
// orchestrator blocks a message. Confirmed=true upholds the block.
type DeepScanner interface {
	DeepScan(ctx context.Context, content, source string) (confirmed bool, reason string, err error)
}

type scanPattern struct {
	name  string
	level ThreatLevel
	re    *regexp.Regexp
}

// Prompt-injection signatures, ordered roughly by severity. Patterns are
// matched case-insensitively against the raw content.
var scanPatterns = []scanPattern{
	{"ignore_instructions", ThreatHigh,
		regexp.MustCompile(`(?i)\b(?:ignore|disregard|forget)\s+(?:all\s+|any\s+)?(?:previous|prior|above|earlier|your)\s+(?:instructions?|prompts?|rules?|context)`)},
	{"override_system", ThreatHigh,
		regexp.MustCompile(`(?i)\b(?:override|replace|rewrite)\s+(?:the\s+|your\s+)?system\s+prompt`)},
	{"reveal_prompt", ThreatHigh,
		regexp.MustCompile(`(?i)\b(?:reveal|show|print|repeat|output)\s+(?:me\s+)?(?:the\s+|your\s+)?(?:system\s+prompt|initial\s+instructions|hidden\s+instructions)`)},
	{"exfiltrate_secrets", ThreatHigh,
		regexp.MustCompile(`(?i)\b(?:send|upload|post|exfiltrate)\b.{0,40}\b(?:api\s*key|credential|password|secret|token)s?\b`)},
	{"new_persona", ThreatMedium,
		regexp.MustCompile(`(?i)\byou\s+are\s+(?:now|no\s+longer)\b.{0,60}\b(?:assistant|ai|model|bot)\b`)},
	{"jailbreak_marker", ThreatMedium,
		regexp.MustCompile(`(?i)\b(?:jailbreak|dan\s+mode|developer\s+mode\s+enabled)\b`)},
	{"fake_system_message", ThreatMedium,
		regexp.MustCompile(`(?i)^\s*\[?(?:system|assistant)\s*(?:message)?\]?\s*:`)},
	{"embedded_instruction_tag", ThreatLow,
		regexp.MustCompile(`(?i)</?(?:system|instructions?|admin)>`)},
	{"base64_blob", ThreatLow,
		regexp.MustCompile(`\b[A-Za-z0-9+/]{120,}={0,2}\b`)},
}

// Scanner performs pattern-based injection detection on inbound content.
type Scanner struct {
	deep DeepScanner // optional second opinion for HIGH hits
}

// NewScanner creates a scanner; deep may be nil.
func NewScanner(deep DeepScanner) *Scanner {
	return &Scanner{deep: deep}
}

// Scan classifies content from a source. The highest matching pattern level
// wins; non-NONE results carry a sanitized rendition with each suspicious
// region wrapped in markers.
func (s *Scanner) Scan(content, source string) ScanResult {
	res := ScanResult{SanitizedContent: content}
	if strings.TrimSpace(content) == "" {
		return res
	}

	sanitized := content
	for _, p := range scanPatterns {
		if !p.re.MatchString(content) {
			continue
		}
		res.MatchedPatterns = append(res.MatchedPatterns, p.name)
		if p.level > res.Level {
			res.Level = p.level
		}
		sanitized = p.re.ReplaceAllStringFunc(sanitized, func(m string) string {
			return fmt.Sprintf("[SUSPICIOUS:%s]%s[/SUSPICIOUS]", p.name, m)
		})
	}
	if res.Level > ThreatNone {
		res.SanitizedContent = sanitized
	}
	return res
}

// Confirm runs the deep scanner on a HIGH result. Without a deep scanner
// the block stands. Deep-scan errors also uphold the block: fail closed.
func (s *Scanner) Confirm(ctx context.Context, content, source string) (bool, string) {
	if s.deep == nil {
		return true, "pattern match"
	}
	confirmed, reason, err := s.deep.DeepScan(ctx, content, source)
	if err != nil {
		return true, fmt.Sprintf("deep scan unavailable: %v", err)
	}
	return confirmed, reason
}
