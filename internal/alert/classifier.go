package alert

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Severity levels for classified log lines.
const (
	SeverityCritical = "critical" // immediate alert
	SeverityHigh     = "high"     // alert with cooldown
	SeverityWarning  = "warning"  // counted for the daily summary only
)

// Rule matches one error pattern. Rules are evaluated in order and the
// first match wins. Matching is a pure function of the line text.
type Rule struct {
	Pattern     *regexp.Regexp
	Severity    string
	Cooldown    time.Duration
	Title       string
	Description string
}

// Candidate is a classified log line, the unit flowing into the
// deduplicator. Candidates are transient and never persisted.
type Candidate struct {
	Source      string
	Line        string
	Severity    string
	Cooldown    time.Duration
	Title       string
	Description string
	Time        time.Time
}

// Fingerprint identifies "the same" recurring condition for deduplication:
// the source plus the normalized rule title.
func (c Candidate) Fingerprint() string {
	return fmt.Sprintf("%s:%s", c.Source, strings.ReplaceAll(strings.ToLower(c.Title), " ", "_"))
}

// Default rule set, ordered by priority. Critical rules with zero cooldown
// always alert.
var defaultRules = []Rule{
	{
		Pattern:     regexp.MustCompile(`(?i)MemoryError|exit code 137|OOM|Out of memory`),
		Severity:    SeverityCritical,
		Cooldown:    0,
		Title:       "Out of Memory",
		Description: "Container ran out of memory and may have crashed.",
	},
	{
		Pattern:     regexp.MustCompile(`HttpError 401|Unauthorized|401 Unauthorized`),
		Severity:    SeverityCritical,
		Cooldown:    0,
		Title:       "Authentication Failed",
		Description: "API authentication failed. Token may need refresh.",
	},
	{
		Pattern:     regexp.MustCompile(`(?i)HttpError 403|Forbidden|403 Forbidden|permission denied`),
		Severity:    SeverityCritical,
		Cooldown:    5 * time.Minute,
		Title:       "Permission Denied",
		Description: "API permission denied. Check credentials or scopes.",
	},
	{
		Pattern:     regexp.MustCompile(`SIGKILL|killed|Killed`),
		Severity:    SeverityCritical,
		Cooldown:    0,
		Title:       "Container Killed",
		Description: "Container was killed (likely OOM or manual stop).",
	},
	{
		Pattern:     regexp.MustCompile(`(?i)database.*connection|connection.*database`),
		Severity:    SeverityCritical,
		Cooldown:    5 * time.Minute,
		Title:       "Database Connection Failed",
		Description: "Cannot connect to Postgres. Service is degraded.",
	},
	{
		Pattern:     regexp.MustCompile(`(?i)HttpError 429|429 Too Many Requests|rate.?limit`),
		Severity:    SeverityHigh,
		Cooldown:    10 * time.Minute,
		Title:       "API Rate Limited",
		Description: "Upstream API rate limit hit. Service is backing off.",
	},
	{
		Pattern:     regexp.MustCompile(`HttpError 5\d{2}|5\d{2} `),
		Severity:    SeverityHigh,
		Cooldown:    5 * time.Minute,
		Title:       "API Server Error",
		Description: "Upstream API returned a server error. Will retry.",
	},
	{
		Pattern:     regexp.MustCompile(`Connection refused|ECONNREFUSED`),
		Severity:    SeverityHigh,
		Cooldown:    5 * time.Minute,
		Title:       "Connection Refused",
		Description: "Cannot connect to service. It may be down.",
	},
	{
		Pattern:     regexp.MustCompile(`(?i)timeout|timed out`),
		Severity:    SeverityHigh,
		Cooldown:    10 * time.Minute,
		Title:       "Request Timeout",
		Description: "Request timed out. Service may be slow or overloaded.",
	},
	{
		Pattern:     regexp.MustCompile(`(?i)Failed to parse|parse.*failed|parsing.*error`),
		Severity:    SeverityWarning,
		Cooldown:    0,
		Title:       "Parse Failed",
		Description: "Record parsing failed.",
	},
	{
		Pattern:     regexp.MustCompile(`(?i)retry.*failed|max.*attempts|exceeded.*retries`),
		Severity:    SeverityWarning,
		Cooldown:    0,
		Title:       "Retry Exhausted",
		Description: "Job failed after max retries.",
	},
}

// Classifier evaluates an ordered rule set over log lines. It keeps no
// state beyond the compiled rules and performs no I/O.
type Classifier struct {
	rules []Rule
}

// NewClassifier uses the default rule set. Extra rules take priority over
// the defaults.
func NewClassifier(extra ...Rule) *Classifier {
	return &Classifier{rules: append(append([]Rule{}, extra...), defaultRules...)}
}

// Classify evaluates the rules in order against the line and returns the
// candidate for the first match, or nil when nothing matches. A zero
// timestamp is treated as "now".
func (c *Classifier) Classify(source, line string, ts time.Time) *Candidate {
	for _, rule := range c.rules {
		if !rule.Pattern.MatchString(line) {
			continue
		}
		if ts.IsZero() {
			ts = time.Now()
		}
		return &Candidate{
			Source:      source,
			Line:        line,
			Severity:    rule.Severity,
			Cooldown:    rule.Cooldown,
			Title:       rule.Title,
			Description: rule.Description,
			Time:        ts,
		}
	}
	return nil
}

var errorIndicators = []string{
	"ERROR",
	"CRITICAL",
	"FATAL",
	"Exception",
	"Traceback",
	"Error:",
	"Failed",
	"error:",
	"failed:",
	"panic:",
}

// IsErrorLine is a cheap pre-filter run before full classification.
func IsErrorLine(line string) bool {
	for _, ind := range errorIndicators {
		if strings.Contains(line, ind) {
			return true
		}
	}
	return false
}
