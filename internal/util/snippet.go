package util

import (
	"sort"
	"strings"
	"unicode"
)

const defaultSnippetRunes = 240

var snippetStopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "was": {}, "were": {}, "what": {}, "how": {},
	"why": {}, "who": {}, "which": {}, "that": {}, "this": {}, "these": {}, "those": {},
	"with": {}, "from": {}, "does": {}, "did": {}, "can": {}, "about": {}, "into": {},
}

// SourceSnippet returns a short excerpt of a retrieved chunk for display next to an
// answer. Sentences that share the most terms with question are preferred and are
// kept in their original order. Without any overlap the chunk's opening is used.
func SourceSnippet(content, question string, maxRunes int) string {
	if maxRunes <= 0 {
		maxRunes = defaultSnippetRunes
	}
	content = strings.Join(strings.Fields(SanitizeText(content)), " ")
	if content == "" {
		return ""
	}

	terms := questionTerms(question)
	sentences := sentencesOf(content)
	if len(terms) == 0 || len(sentences) < 2 {
		return clip(content, maxRunes)
	}

	hits := make([]int, len(sentences))
	order := make([]int, len(sentences))
	for i, s := range sentences {
		order[i] = i
		low := strings.ToLower(s)
		for _, t := range terms {
			if strings.Contains(low, t) {
				hits[i]++
			}
		}
	}
	sort.SliceStable(order, func(a, b int) bool { return hits[order[a]] > hits[order[b]] })
	if hits[order[0]] == 0 {
		return clip(content, maxRunes)
	}

	picked := []int{order[0]}
	if len(order) > 1 && hits[order[1]] > 0 {
		picked = append(picked, order[1])
		sort.Ints(picked)
	}
	parts := make([]string, 0, len(picked))
	for _, i := range picked {
		parts = append(parts, sentences[i])
	}
	return clip(strings.Join(parts, " "), maxRunes)
}

func questionTerms(q string) []string {
	seen := map[string]struct{}{}
	var terms []string
	for _, f := range strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(f)) < 3 {
			continue
		}
		if _, stop := snippetStopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
	}
	return terms
}

// sentencesOf splits on terminal punctuation followed by a space.
func sentencesOf(s string) []string {
	var out []string
	start := 0
	runes := []rune(s)
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && runes[i+1] != ' ' {
			continue
		}
		if part := strings.TrimSpace(string(runes[start : i+1])); part != "" {
			out = append(out, part)
		}
		start = i + 1
	}
	if start < len(runes) {
		if part := strings.TrimSpace(string(runes[start:])); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func clip(s string, maxRunes int) string {
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return strings.TrimSpace(string(r[:maxRunes])) + "..."
}
