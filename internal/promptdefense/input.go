// Package promptdefense implements the four enforced layers of spec
// §4.F: input validation, keyword blocking, session-scoped delimiters,
// and output leak/internal-tag/PII scanning. The fifth conceptual layer
// ("system reinforcement") lives in the Prompt Builder's instructions
// block, not here.
package promptdefense

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/relaygate/relaygate/internal/apierr"
)

const specialChars = "<>{}[]\\|`"

// ValidateInput runs Layers 1-2 of spec §4.F against raw user text,
// returning a *apierr.Error of kind PromptRejected on the first
// violation.
func ValidateInput(text string, maxLength int, maxSpecialCharRatio float64) error {
	if maxLength <= 0 {
		maxLength = 2048
	}
	if maxSpecialCharRatio <= 0 {
		maxSpecialCharRatio = 0.10
	}

	if err := checkLength(text, maxLength); err != nil {
		return err
	}
	if err := checkControlChars(text); err != nil {
		return err
	}
	if err := checkSpecialCharRatio(text, maxSpecialCharRatio); err != nil {
		return err
	}
	if err := checkBlockedKeywords(text); err != nil {
		return err
	}
	return nil
}

func checkLength(text string, maxLength int) error {
	if len([]rune(text)) > maxLength {
		return apierr.New(apierr.PromptRejected, fmt.Sprintf("layer1: query exceeds maximum length of %d characters", maxLength))
	}
	return nil
}

func checkControlChars(text string) error {
	for _, r := range text {
		if r == '\t' || r == '\n' || r == '\r' {
			continue
		}
		if r < 0x20 || r == 0x7f {
			return apierr.New(apierr.PromptRejected, "layer1: query contains disallowed control characters")
		}
	}
	return nil
}

func checkSpecialCharRatio(text string, maxRatio float64) error {
	if text == "" {
		return nil
	}
	total := 0
	special := 0
	for _, r := range text {
		total++
		if strings.ContainsRune(specialChars, r) {
			special++
		}
	}
	if total == 0 {
		return nil
	}
	if float64(special)/float64(total) > maxRatio {
		return apierr.New(apierr.PromptRejected, "layer1: query has an excessive ratio of structural characters")
	}
	return nil
}

// blockedPhrases is the fixed blocklist of injection-attempt phrase
// families named in spec §4.F Layer 2.
var blockedPhrases = []string{
	`ignore (all|any|the)? ?previous instructions`,
	`ignore (all|any|the)? ?prior instructions`,
	`disregard (all|any|the)? ?previous instructions`,
	`you are now`,
	`act as (a|an)? ?(dan|jailbreak)`,
	`developer mode`,
	`reveal your (system )?prompt`,
	`show me your (system )?prompt`,
	`print your instructions`,
	`what (are|is) your (system )?instructions`,
	`pretend (you are|to be)`,
	`switch (roles|role) to`,
	`bypass (your)? ?(safety|restrictions|guardrails)`,
	`exfiltrate`,
}

var blockedKeywordPattern = regexp.MustCompile(`(?i)(` + strings.Join(blockedPhrases, "|") + `)`)

func checkBlockedKeywords(text string) error {
	if blockedKeywordPattern.MatchString(text) {
		return apierr.New(apierr.PromptRejected, "layer2: query matches a blocked instruction pattern")
	}
	return nil
}
