package analyzer

import (
	"fmt"
	"strconv"

	"github.com/PuerkitoBio/goquery"

	"geoaudit/internal/model"
)

var semanticTags = []string{"article", "section", "nav", "main", "aside", "header", "footer"}

func analyzeStructure(doc *goquery.Document) model.StructureReport {
	var r model.StructureReport

	r.H1Count = doc.Find("h1").Length()
	switch {
	case r.H1Count == 1:
		r.H1Check = model.Check{Status: model.CheckPass}
	case r.H1Count == 0:
		r.H1Check = model.Check{Status: model.CheckFail, Note: "page has no H1"}
	default:
		r.H1Check = model.Check{Status: model.CheckWarn, Note: fmt.Sprintf("page has %d H1 elements", r.H1Count)}
	}

	r.HierarchyIssues = headingSkips(doc)
	if len(r.HierarchyIssues) == 0 {
		r.HeadingHierarchy = model.Check{Status: model.CheckPass}
	} else {
		r.HeadingHierarchy = model.Check{
			Status: model.CheckWarn,
			Note:   fmt.Sprintf("%d heading level skip(s)", len(r.HierarchyIssues)),
		}
	}

	r.ListCount = doc.Find("ul, ol").Length()
	r.TableCount = doc.Find("table").Length()

	for _, tag := range semanticTags {
		if doc.Find(tag).Length() > 0 {
			r.SemanticTags = append(r.SemanticTags, tag)
		}
	}
	r.SemanticPercent = float64(len(r.SemanticTags)) / float64(len(semanticTags)) * 100

	r.Score = scoreStructure(&r)
	return r
}

// headingSkips walks headings in document order and reports level jumps
// of more than one (H2 followed directly by H4, etc).
func headingSkips(doc *goquery.Document) []string {
	var issues []string
	prev := 0
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, sel *goquery.Selection) {
		name := goquery.NodeName(sel)
		level, err := strconv.Atoi(name[1:])
		if err != nil {
			return
		}
		if prev > 0 && level > prev+1 {
			issues = append(issues, fmt.Sprintf("h%d followed by h%d", prev, level))
		}
		prev = level
	})
	return issues
}

func scoreStructure(r *model.StructureReport) float64 {
	var score float64

	switch r.H1Check.Status {
	case model.CheckPass:
		score += 30
	case model.CheckWarn:
		score += 15
	}

	hierarchy := 20.0 - float64(len(r.HierarchyIssues))*5
	if hierarchy < 0 {
		hierarchy = 0
	}
	score += hierarchy

	lists := float64(r.ListCount) * 5
	if lists > 15 {
		lists = 15
	}
	score += lists

	tables := float64(r.TableCount) * 5
	if tables > 10 {
		tables = 10
	}
	score += tables

	score += r.SemanticPercent * 0.25 // semantic HTML is worth 25 points

	return clampScore(score)
}
