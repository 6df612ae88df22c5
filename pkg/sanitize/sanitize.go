package sanitize

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Threat classes reported by Classify.
const (
	ThreatXSS        = "xss"
	ThreatInjection  = "injection"
	ThreatMalformed  = "malformed"
	ThreatSuspicious = "suspicious"
)

// Result is a classification verdict for one input value. Sanitized is the
// value with matched fragments stripped and HTML-escaped; Confidence grows
// with the number of independent threat classes that matched.
type Result struct {
	Threats    []string `json:"threats"`
	Sanitized  string   `json:"sanitized"`
	Confidence float64  `json:"confidence"`
}

func (r Result) Clean() bool {
	return len(r.Threats) == 0
}

var threatPatterns = map[string]*regexp.Regexp{
	ThreatXSS: regexp.MustCompile(`(?i)(` +
		`<\s*script[^>]*>|<\s*/\s*script\s*>|` +
		`javascript\s*:|vbscript\s*:|` +
		`on(?:load|error|click|mouseover|focus|blur|submit|change)\s*=|` +
		`<\s*iframe[^>]*>|<\s*object[^>]*>|<\s*embed[^>]*>|` +
		`document\s*\.\s*(?:cookie|location|write)|` +
		`eval\s*\(|expression\s*\(|` +
		`<\s*img[^>]+src\s*=\s*["']?\s*javascript:` +
		`)`),

	ThreatInjection: regexp.MustCompile(`(?i)(` +
		`['"]\s*OR\s*['"]?\d+['"]?\s*=\s*['"]?\d+|` +
		`UNION\s+(?:ALL\s+)?SELECT\s|` +
		`(?:SLEEP|BENCHMARK|WAITFOR\s+DELAY)\s*\(\s*\d+|` +
		`['";]\s*;?\s*(?:INSERT|UPDATE|DELETE|DROP|ALTER|TRUNCATE)\s+(?:INTO|FROM|TABLE|DATABASE)|` +
		`\b(?:DROP|DELETE|TRUNCATE)\s+(?:TABLE|DATABASE)\s+\w+|` +
		`--[^\r\n]*$|/\*[^*]*\*/|` +
		`"\$(?:where|regex|gt|lt|ne|nin)"\s*:|\$(?:where|regex|gt|lt|ne|nin)\s*[:=]|` +
		`[;&|]\s*(?:ls|cat|wget|curl|nc|bash|sh)\b|` +
		`\b(?:system|exec|shell_exec)\s*\(` +
		`)`),

	ThreatSuspicious: regexp.MustCompile(`(?i)(` +
		`\.\./|\.\.\\|%2e%2e%2f|` +
		`/etc/(?:passwd|shadow)|` +
		`\b(?:base64_decode|fromCharCode|String\.raw)\s*\(|` +
		`%00|\\x00|\\u0000|` +
		`data:text/html` +
		`)`),
}

// maxInputLength bounds what a well-formed request field can plausibly
// carry; anything longer is treated as malformed.
const maxInputLength = 8192

// Classify inspects one input value for known threat classes and returns
// the verdict with a stripped, escaped rendition of the value. It never
// rejects; callers decide what to do with a dirty verdict.
func Classify(input string) Result {
	var threats []string

	if !utf8.ValidString(input) || len(input) > maxInputLength || strings.ContainsRune(input, 0) {
		threats = append(threats, ThreatMalformed)
	}

	sanitized := input
	for _, class := range []string{ThreatXSS, ThreatInjection, ThreatSuspicious} {
		re := threatPatterns[class]
		if re.MatchString(input) {
			threats = append(threats, class)
			sanitized = re.ReplaceAllString(sanitized, "")
		}
	}
	sanitized = html.EscapeString(strings.ToValidUTF8(sanitized, ""))
	if len(sanitized) > maxInputLength {
		sanitized = sanitized[:maxInputLength]
	}

	return Result{
		Threats:    threats,
		Sanitized:  sanitized,
		Confidence: confidence(len(threats)),
	}
}

// confidence maps matched class count onto (0,1]: one class is a strong
// hint, each further independent class narrows the doubt.
func confidence(matched int) float64 {
	switch {
	case matched == 0:
		return 0
	case matched == 1:
		return 0.7
	case matched == 2:
		return 0.9
	default:
		return 1.0
	}
}
