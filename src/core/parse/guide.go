package parse

import (
	"context"
	"regexp"
	"strings"
)

var headingRe = regexp.MustCompile(`^(?:` +
	`第[一二三四五六七八九十\d]+[章节部分]\S*` + // numbered CJK chapters
	`|\d+[\.\)、]\s*\D{1,40}` + // "1. Heading"
	`|[A-Z][A-Za-z ,'&-]{2,50}` + // short latin title line
	`)$`)

// GuideParser sectionizes a dietary guide by heading-looking lines and
// keeps the raw text.
type GuideParser struct{}

func (p *GuideParser) CanHandle(t Type) bool { return t == TypeDietGuide }

func (p *GuideParser) Parse(ctx context.Context, doc *Document) (*Result, error) {
	res := &Result{
		Type:    TypeDietGuide,
		RawText: doc.Text,
	}

	var sections []Section
	current := Section{}
	var body strings.Builder

	flush := func() {
		current.Body = strings.TrimSpace(body.String())
		if current.Heading != "" || current.Body != "" {
			sections = append(sections, current)
		}
		current = Section{}
		body.Reset()
	}

	for _, raw := range strings.Split(doc.Text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if isHeading(line) {
			flush()
			current.Heading = strings.TrimRight(line, "：:")
			continue
		}
		if body.Len() > 0 {
			body.WriteByte('\n')
		}
		body.WriteString(line)
	}
	flush()

	if len(sections) == 0 {
		sections = []Section{{Body: strings.TrimSpace(doc.Text)}}
	}
	res.Guide = &GuideResult{Sections: sections}
	return res, nil
}

func isHeading(line string) bool {
	if len([]rune(line)) > 60 {
		return false
	}
	if strings.HasSuffix(line, ":") || strings.HasSuffix(line, "：") {
		return true
	}
	if strings.HasSuffix(line, ".") || strings.HasSuffix(line, "。") ||
		strings.HasSuffix(line, "!") || strings.HasSuffix(line, "?") {
		return false
	}
	return headingRe.MatchString(line)
}
