package promptdefense

import (
	"regexp"
	"strings"
)

// RedactionSummary reports how many matches of a given PII kind were
// redacted (spec §4.F Layer 5c).
type RedactionSummary struct {
	Kind  string
	Count int
}

// piiRule is one ordered entry of the Layer 5c redaction pipeline.
// Order matters: more specific patterns are matched before more general
// ones so, e.g., a bank account number isn't first consumed by a looser
// digit-string pattern.
type piiRule struct {
	kind    string
	pattern *regexp.Regexp
}

var piiRules = []piiRule{
	{"BANK-ROUTING", regexp.MustCompile(`\b\d{9}\b`)},
	{"BANK-ACCOUNT", regexp.MustCompile(`\b\d{10,17}\b`)},
	{"SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"CREDIT-CARD", regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)},
	{"EMAIL", regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
	{"PHONE", regexp.MustCompile(`\b(?:\+?1[-. ]?)?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`)},
}

// RedactPII applies the ordered Layer 5c regex pipeline to text,
// replacing each match with a "[KIND-REDACTED]" token. allowedEmailDomains
// protects addresses on an allowlist (e.g. the gateway's own corporate
// domain) from redaction, per spec §4.F's "domain-allowlist-protected"
// qualifier on the email rule.
func RedactPII(text string, allowedEmailDomains []string) (string, []RedactionSummary) {
	counts := make(map[string]int, len(piiRules))

	for _, rule := range piiRules {
		if rule.kind == "EMAIL" {
			text = redactEmails(text, rule.pattern, allowedEmailDomains, counts)
			continue
		}
		matched := 0
		text = rule.pattern.ReplaceAllStringFunc(text, func(match string) string {
			matched++
			return "[" + rule.kind + "-REDACTED]"
		})
		if matched > 0 {
			counts[rule.kind] += matched
		}
	}

	summary := make([]RedactionSummary, 0, len(counts))
	for _, rule := range piiRules {
		if n, ok := counts[rule.kind]; ok && n > 0 {
			summary = append(summary, RedactionSummary{Kind: rule.kind, Count: n})
		}
	}
	return text, summary
}

func redactEmails(text string, pattern *regexp.Regexp, allowedDomains []string, counts map[string]int) string {
	allowed := make(map[string]struct{}, len(allowedDomains))
	for _, d := range allowedDomains {
		allowed[strings.ToLower(d)] = struct{}{}
	}

	return pattern.ReplaceAllStringFunc(text, func(match string) string {
		at := strings.LastIndexByte(match, '@')
		if at >= 0 {
			domain := strings.ToLower(match[at+1:])
			if _, ok := allowed[domain]; ok {
				return match
			}
		}
		counts["EMAIL"]++
		return "[EMAIL-REDACTED]"
	})
}
