// Package extract derives indexable tokens from the free text of a
// timetable-variation event. The feed carries entries like
//
//	CLASSE 3B PROF. ROSSI ASSENTE
//	PROFF. BIANCHI, VERDI ENTRATA POSTICIPATA
//
// so "parsing" here is deliberately crude regex matching: any uppercase
// alphanumeric token is a candidate section key, and false positives are
// accepted in exchange for never missing a class code.
package extract

import (
	"regexp"
	"strings"
)

// maxNameLen rejects professor "names" that are clearly a run-on of
// unrelated text.
const maxNameLen = 50

var (
	sectionRe = regexp.MustCompile(`\b[A-Z0-9]+\b`)

	// CLASSE 3B, CLASSE: 5AS, ...
	classRe = regexp.MustCompile(`\bCLASSE\s*:?\s*([A-Z0-9]+)\b`)

	// PROF. ROSSI / PROF.SSA VERDI / PROFF. ROSSI, BIANCHI
	// The capture stops at the first token not followed by a comma, so
	// trailing text ("ASSENTE") never sticks to the last name.
	profRe = regexp.MustCompile(`\bPROFF?\.?\s*(?:SSA\.?)?\s+((?:[A-ZÀÈÉÌÒÙ'][A-ZÀÈÉÌÒÙ']*\s*,\s*)*[A-ZÀÈÉÌÒÙ'][A-ZÀÈÉÌÒÙ']*)`)
)

// SectionTokens returns every distinct word-bounded uppercase
// alphanumeric token in text, in first-seen order. This is the broad
// index used by the section query path; it intentionally matches far
// more than real class codes.
func SectionTokens(text string) []string {
	matches := sectionRe.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// ClassFromSummary extracts the first explicit "CLASSE <token>" marker,
// or "" when none is present. This targeted form is what notification
// routing matches on; it is narrower than SectionTokens and the two
// may disagree on the same text.
func ClassFromSummary(text string) string {
	m := classRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

// Professors returns the distinct professor names announced in text, in
// order of appearance. Plural "PROFF." lists are split on commas; each
// name is trimmed of punctuation and whitespace, and empty or
// implausibly long results are dropped.
func Professors(text string) []string {
	matches := profRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{})
	var out []string
	for _, m := range matches {
		for _, name := range strings.Split(m[1], ",") {
			name = strings.Trim(name, " \t.,;:")
			if name == "" || len(name) > maxNameLen {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}
