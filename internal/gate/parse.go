package gate

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/worldmind/worldmind/internal/models"
)

var (
	testsRunRe = regexp.MustCompile(`(?mi)^\s*Tests run:\s*(\d+)`)
	passedRe   = regexp.MustCompile(`(?mi)^\s*Passed:\s*(\d+)`)
	failedRe   = regexp.MustCompile(`(?mi)^\s*Fail(?:ed|ures):\s*(\d+)`)
	scoreRe    = regexp.MustCompile(`(?mi)^\s*Score:\s*(\d+)\s*(?:/\s*10)?`)
	approvedRe = regexp.MustCompile(`(?mi)^\s*Approved:\s*(yes|no|true|false)`)
	summaryRe  = regexp.MustCompile(`(?mi)^\s*Summary:\s*(.+)$`)
)

// ParseTestResult extracts the tester's verdict from its sandbox output. The
// reporting format is a contract with the tester instruction; outputs that
// never state "Tests run" parse as a failed run so a silent tester can not
// grant the gate.
func ParseTestResult(taskID, output string) models.TestResult {
	result := models.TestResult{TaskID: taskID, Output: output}

	m := testsRunRe.FindStringSubmatch(output)
	if m == nil {
		result.Passed = false
		result.Failed = 1
		return result
	}
	result.Total, _ = strconv.Atoi(m[1])

	if fm := failedRe.FindStringSubmatch(output); fm != nil {
		result.Failed, _ = strconv.Atoi(fm[1])
	} else if pm := passedRe.FindStringSubmatch(output); pm != nil {
		passed, _ := strconv.Atoi(pm[1])
		result.Failed = result.Total - passed
		if result.Failed < 0 {
			result.Failed = 0
		}
	}

	result.Passed = result.Failed == 0
	return result
}

// ParseReviewFeedback extracts the reviewer's verdict. Missing score or
// approval lines parse as not approved with score 0: an unparsable review
// denies the gate rather than waving code through.
func ParseReviewFeedback(taskID, output string) models.ReviewFeedback {
	fb := models.ReviewFeedback{TaskID: taskID}

	if m := scoreRe.FindStringSubmatch(output); m != nil {
		fb.Score, _ = strconv.Atoi(m[1])
		if fb.Score > 10 {
			fb.Score = 10
		}
	}
	if m := approvedRe.FindStringSubmatch(output); m != nil {
		v := strings.ToLower(m[1])
		fb.Approved = v == "yes" || v == "true"
	}
	if m := summaryRe.FindStringSubmatch(output); m != nil {
		fb.Summary = strings.TrimSpace(m[1])
	}

	fb.Issues = sectionItems(output, "issues")
	fb.Suggestions = sectionItems(output, "suggestions")
	return fb
}

// sectionItems returns the bullet items under the markdown heading with the
// given (case-insensitive) title.
func sectionItems(output, title string) []string {
	source := []byte(output)
	doc := goldmark.DefaultParser().Parse(text.NewReader(source))

	var items []string
	inSection := false
	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		switch n := node.(type) {
		case *ast.Heading:
			heading := strings.TrimSpace(string(nodeText(n, source)))
			inSection = strings.EqualFold(heading, title)
		case *ast.List:
			if !inSection {
				continue
			}
			for li := n.FirstChild(); li != nil; li = li.NextSibling() {
				item := strings.TrimSpace(string(nodeText(li, source)))
				if item != "" {
					items = append(items, item)
				}
			}
		}
	}
	return items
}

// nodeText flattens a node's text content.
func nodeText(node ast.Node, source []byte) []byte {
	var b strings.Builder
	ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := n.(*ast.Text); ok {
			b.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		}
		return ast.WalkContinue, nil
	})
	return []byte(b.String())
}

// criticalReviewRe spots reviews whose prose names a severity the score alone
// might understate.
var criticalReviewRe = regexp.MustCompile(`(?i)\b(critical|severe|broken|truncated|data loss|security vulnerability)\b`)

// ReviewIsCritical reports whether the review text flags a critical problem.
func ReviewIsCritical(fb models.ReviewFeedback) bool {
	if criticalReviewRe.MatchString(fb.Summary) {
		return true
	}
	for _, issue := range fb.Issues {
		if criticalReviewRe.MatchString(issue) {
			return true
		}
	}
	return false
}
