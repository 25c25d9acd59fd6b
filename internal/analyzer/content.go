package analyzer

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"geoaudit/internal/model"
)

// First- and second-person pronouns counted for conversational tone, in
// the two supported audit languages.
var conversationalWords = map[string]struct{}{
	"i": {}, "we": {}, "you": {}, "me": {}, "us": {},
	"my": {}, "our": {}, "your": {}, "yours": {}, "ours": {},
	"yo": {}, "tú": {}, "tu": {}, "usted": {}, "ustedes": {},
	"nosotros": {}, "nuestro": {}, "nuestra": {}, "vosotros": {},
}

func analyzeContent(doc *goquery.Document) model.ContentReport {
	var r model.ContentReport

	body := doc.Find("body")
	text := normalizeSpace(body.Text())
	words := strings.Fields(text)
	r.WordCount = len(words)

	r.FragmentClarity = fragmentClarity(doc, text)
	r.ConversationalTone = conversationalTone(words)

	sentences := splitSentences(text)
	r.QuestionCount = countQuestions(sentences)
	hasFAQBlock := doc.Find("[class*='faq'], [id*='faq']").Length() > 0
	switch {
	case r.QuestionCount >= 3 || hasFAQBlock:
		r.QuestionTargeting = model.Check{Status: model.CheckPass}
	case r.QuestionCount > 0:
		r.QuestionTargeting = model.Check{Status: model.CheckWarn, Note: "fewer than 3 question sentences"}
	default:
		r.QuestionTargeting = model.Check{Status: model.CheckFail, Note: "no question sentences or FAQ block"}
	}

	r.InvertedPyramid = invertedPyramid(sentences)

	r.Score = scoreContent(&r)
	return r
}

// fragmentClarity rewards a lead paragraph that appears within the first
// 300 characters of body text, before any sub-heading.
func fragmentClarity(doc *goquery.Document, bodyText string) int {
	lead := ""
	doc.Find("p").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		t := normalizeSpace(sel.Text())
		if len(t) >= 40 {
			lead = t
			return false
		}
		return true
	})
	if lead == "" {
		return 0
	}

	head := bodyText
	if len(head) > 300 {
		head = head[:300]
	}
	probe := lead
	if len(probe) > 60 {
		probe = probe[:60]
	}
	if !strings.Contains(head, probe) {
		return 2
	}

	score := 6
	if len(lead) >= 120 {
		score += 2
	}
	// A lead that precedes every sub-heading reads as inverted pyramid.
	if firstIndex(doc, "p") < firstIndex(doc, "h2, h3, h4, h5, h6") {
		score += 2
	}
	if score > 10 {
		score = 10
	}
	return score
}

// firstIndex returns the document-order index of the first match of sel
// among all elements, or a large sentinel when absent.
func firstIndex(doc *goquery.Document, sel string) int {
	idx := 1 << 30
	all := doc.Find("p, h1, h2, h3, h4, h5, h6")
	all.EachWithBreak(func(i int, s *goquery.Selection) bool {
		if s.Is(sel) {
			idx = i
			return false
		}
		return true
	})
	return idx
}

func conversationalTone(words []string) int {
	if len(words) == 0 {
		return 0
	}
	hits := 0
	for _, w := range words {
		w = strings.ToLower(strings.Trim(w, ".,;:!?\"'()[]"))
		if _, ok := conversationalWords[w]; ok {
			hits++
		}
	}
	density := float64(hits) / float64(len(words))
	// 2% pronoun density or better reads fully conversational.
	score := int(density / 0.02 * 10)
	if score > 10 {
		score = 10
	}
	return score
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			s := strings.TrimSpace(text[start : i+1])
			if len(s) > 1 {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if tail := strings.TrimSpace(text[start:]); len(tail) > 1 {
		out = append(out, tail)
	}
	return out
}

func countQuestions(sentences []string) int {
	n := 0
	for _, s := range sentences {
		if strings.HasSuffix(s, "?") {
			n++
		}
	}
	return n
}

// invertedPyramid passes when a direct answer appears in the first two
// sentences: enough declarative words up front, no lead-in question.
func invertedPyramid(sentences []string) model.Check {
	if len(sentences) == 0 {
		return model.Check{Status: model.CheckFail, Note: "no body text"}
	}
	head := sentences[0]
	if len(sentences) > 1 {
		head += " " + sentences[1]
	}
	wordCount := len(strings.Fields(head))
	if wordCount >= 15 && !strings.HasSuffix(sentences[0], "?") {
		return model.Check{Status: model.CheckPass}
	}
	return model.Check{Status: model.CheckWarn, Note: "opening sentences do not state a direct answer"}
}

func scoreContent(r *model.ContentReport) float64 {
	var score float64
	score += float64(r.FragmentClarity) * 3   // 30 points
	score += float64(r.ConversationalTone) * 2 // 20 points

	switch r.QuestionTargeting.Status {
	case model.CheckPass:
		score += 25
	case model.CheckWarn:
		score += 10
	}

	switch r.InvertedPyramid.Status {
	case model.CheckPass:
		score += 25
	case model.CheckWarn:
		score += 10
	}

	return clampScore(score)
}
