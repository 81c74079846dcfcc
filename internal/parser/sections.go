package parser

import (
	"regexp"
	"strings"
)

// headerRE matches "KEY: value" with optional markdown heading and bold
// markers around the key.
var headerRE = regexp.MustCompile(`^\s*(?:#{1,6}\s*)?(?:\*\*|__)?([A-Za-z][A-Za-z0-9 _-]*?)(?:\*\*|__)?\s*:\s*(?:\*\*|__)?\s*(.*)$`)

// listItemRE matches "- item", "* item", "• item", "1. item" and "1) item".
var listItemRE = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+(.*)$`)

// section is the text following one header, up to the next known header.
type section struct {
	inline string
	lines  []string
}

// text returns the section as one trimmed string.
func (s *section) text() string {
	if s == nil {
		return ""
	}
	parts := make([]string, 0, len(s.lines)+1)
	if s.inline != "" {
		parts = append(parts, s.inline)
	}
	parts = append(parts, s.lines...)
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// items returns list entries. When any line carries a list marker only marked
// lines count; otherwise every non-empty line is an entry.
func (s *section) items() []string {
	if s == nil {
		return nil
	}
	var (
		out    []string
		marked bool
	)
	all := append([]string{s.inline}, s.lines...)
	for _, line := range all {
		if m := listItemRE.FindStringSubmatch(line); m != nil {
			marked = true
			if item := strings.TrimSpace(m[1]); item != "" {
				out = append(out, item)
			}
		}
	}
	if marked {
		return out
	}
	for _, line := range all {
		if line = strings.TrimSpace(line); line != "" && !isNone(line) {
			out = append(out, line)
		}
	}
	return out
}

// isNone reports whether a section body only says there is nothing to list.
func isNone(s string) bool {
	switch strings.ToLower(strings.Trim(s, " .")) {
	case "none", "n/a", "na", "nothing":
		return true
	}
	return false
}

// sections is an index of known headers found in a document.
type sections map[string]*section

func (s sections) has(key string) bool {
	_, ok := s[key]
	return ok
}

// normalizeKey maps "Success Criteria" and "success-criteria" to
// SUCCESS_CRITERIA.
func normalizeKey(k string) string {
	k = strings.ToUpper(strings.TrimSpace(k))
	k = strings.NewReplacer(" ", "_", "-", "_").Replace(k)
	return k
}

// matchHeader returns the normalized key and inline value of a header line.
func matchHeader(line string) (key, value string, ok bool) {
	m := headerRE.FindStringSubmatch(line)
	if m == nil {
		return "", "", false
	}
	return normalizeKey(m[1]), strings.TrimSpace(m[2]), true
}

// splitSections indexes text by the given known keys. Unknown "Label:" lines
// are kept as body text of the current section. A repeated key keeps its
// first occurrence.
func splitSections(text string, known ...string) sections {
	keys := make(map[string]bool, len(known))
	for _, k := range known {
		keys[k] = true
	}

	out := make(sections)
	var cur *section
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if key, value, ok := matchHeader(line); ok && keys[key] {
			if _, dup := out[key]; dup {
				cur = &section{}
				continue
			}
			cur = &section{inline: value}
			out[key] = cur
			continue
		}
		if cur != nil {
			cur.lines = append(cur.lines, strings.TrimRight(line, " \t"))
		}
	}
	return out
}
