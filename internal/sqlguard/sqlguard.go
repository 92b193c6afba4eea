// Package sqlguard holds the checks applied to model output before it is
// run against a database. None of them parse SQL; they are heuristics.
package sqlguard

import (
	"strings"
	"unicode"
)

var statementKeywords = map[string]struct{}{
	"select":   {},
	"with":     {},
	"insert":   {},
	"update":   {},
	"delete":   {},
	"replace":  {},
	"merge":    {},
	"create":   {},
	"alter":    {},
	"drop":     {},
	"truncate": {},
	"show":     {},
	"describe": {},
	"desc":     {},
	"explain":  {},
	"pragma":   {},
}

var readOnlyKeywords = map[string]struct{}{
	"select":   {},
	"with":     {},
	"show":     {},
	"describe": {},
	"desc":     {},
	"explain":  {},
}

// Markers left behind when a chat message object is stringified instead of
// its content.
var serializedMarkers = []string{
	"AIMessage(",
	"HumanMessage(",
	"SystemMessage(",
	"content=",
	"additional_kwargs",
}

// ExtractSQL removes a surrounding markdown code fence and an optional
// "SQLQuery:" label from model output.
func ExtractSQL(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		if newline := strings.IndexByte(trimmed, '\n'); newline >= 0 && isFenceTag(trimmed[:newline]) {
			trimmed = trimmed[newline+1:]
		} else {
			trimmed = strings.TrimPrefix(trimmed, "sql")
		}
		if end := strings.Index(trimmed, "```"); end >= 0 {
			trimmed = trimmed[:end]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	for _, label := range []string{"SQLQuery:", "SQL Query:", "SQL:"} {
		if len(trimmed) >= len(label) && strings.EqualFold(trimmed[:len(label)], label) {
			trimmed = strings.TrimSpace(trimmed[len(label):])
			break
		}
	}
	return trimmed
}

// isFenceTag reports whether the first fenced line is a language tag such as
// "sql" or "mysql" rather than the start of the statement.
func isFenceTag(line string) bool {
	line = strings.TrimSpace(line)
	if strings.ContainsAny(line, " \t") {
		return false
	}
	_, keyword := statementKeywords[strings.ToLower(line)]
	return !keyword
}

// LooksLikeSQL reports whether text plausibly is a single SQL statement: it
// must open with a statement keyword, carry no serialized message markers or
// braces, and have balanced parentheses.
func LooksLikeSQL(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if _, ok := statementKeywords[FirstKeyword(trimmed)]; !ok {
		return false
	}
	for _, marker := range serializedMarkers {
		if strings.Contains(trimmed, marker) {
			return false
		}
	}
	if strings.ContainsAny(trimmed, "{}") {
		return false
	}
	return parensBalanced(trimmed)
}

// IsReadOnly reports whether text is a single statement that begins with a
// keyword that cannot modify data. WITH and EXPLAIN statements must also be
// free of data-modifying keywords, since both can wrap a write.
func IsReadOnly(text string) bool {
	trimmed := StripTrailingSemicolons(text)
	keyword := FirstKeyword(trimmed)
	if _, ok := readOnlyKeywords[keyword]; !ok {
		return false
	}
	if _, ok := codeOf(trimmed, lexModes[0]); !ok {
		return false
	}
	for _, mode := range lexModes {
		code, _ := codeOf(trimmed, mode)
		if strings.ContainsRune(code, ';') {
			return false
		}
		if (keyword == "with" || keyword == "explain") && hasWriteKeyword(code) {
			return false
		}
	}
	return true
}

// FirstKeyword returns the lower-cased leading word of text. Anything other
// than letters before it (a quote, a parenthesis, an equals sign) yields "".
func FirstKeyword(text string) string {
	trimmed := strings.TrimLeftFunc(text, unicode.IsSpace)
	end := strings.IndexFunc(trimmed, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '_'
	})
	if end < 0 {
		end = len(trimmed)
	}
	return strings.ToLower(trimmed[:end])
}

func StripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}

var writeKeywords = map[string]struct{}{
	"insert":   {},
	"update":   {},
	"delete":   {},
	"merge":    {},
	"drop":     {},
	"alter":    {},
	"create":   {},
	"truncate": {},
	"replace":  {},
}

// lexMode selects how quotes and comments are recognised. Engines disagree
// on backslash escapes and comment syntax, so read-only checks scan under
// every mode and refuse text that any of them reads as unsafe.
type lexMode struct {
	backslashEscapes bool
	hashComments     bool
	// dashNeedsSpace treats "--" as a comment only when whitespace follows.
	dashNeedsSpace bool
	// bangIsCode treats "/*!" as executable text rather than a comment.
	bangIsCode bool
}

var lexModes = []lexMode{
	{},
	{backslashEscapes: true, hashComments: true, dashNeedsSpace: true, bangIsCode: true},
}

// codeOf blanks out quoted literals, quoted identifiers and comments, leaving
// only the text an engine would parse as SQL. ok is false when a quote or a
// block comment is never closed.
func codeOf(text string, mode lexMode) (code string, ok bool) {
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			end := closingQuote(text, i, mode)
			if end < 0 {
				b.WriteByte(' ')
				return b.String(), false
			}
			b.WriteByte(' ')
			i = end
		case isDashComment(text, i, mode), mode.hashComments && c == '#':
			end := strings.IndexByte(text[i:], '\n')
			if end < 0 {
				b.WriteByte(' ')
				return b.String(), true
			}
			b.WriteByte(' ')
			i += end - 1
		case c == '/' && strings.HasPrefix(text[i:], "/*") && !(mode.bangIsCode && strings.HasPrefix(text[i:], "/*!")):
			end := strings.Index(text[i+2:], "*/")
			if end < 0 {
				b.WriteByte(' ')
				return b.String(), false
			}
			b.WriteByte(' ')
			i += end + 3
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), true
}

func isDashComment(text string, i int, mode lexMode) bool {
	if !strings.HasPrefix(text[i:], "--") {
		return false
	}
	if !mode.dashNeedsSpace || i+2 == len(text) {
		return true
	}
	return unicode.IsSpace(rune(text[i+2]))
}

// closingQuote returns the index of the quote that closes the one at start,
// or -1. Doubled quotes count as a closed and reopened literal.
func closingQuote(text string, start int, mode lexMode) int {
	quote := text[start]
	for i := start + 1; i < len(text); i++ {
		switch text[i] {
		case '\\':
			if mode.backslashEscapes && quote != '`' {
				i++
			}
		case quote:
			return i
		}
	}
	return -1
}

// hasWriteKeyword ignores a keyword directly followed by "(", which is a
// function call such as REPLACE(name, 'a', 'b').
func hasWriteKeyword(code string) bool {
	isWord := func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' }
	rest := code
	for rest != "" {
		start := strings.IndexFunc(rest, isWord)
		if start < 0 {
			return false
		}
		rest = rest[start:]
		end := strings.IndexFunc(rest, func(r rune) bool { return !isWord(r) })
		if end < 0 {
			end = len(rest)
		}
		word := strings.ToLower(rest[:end])
		rest = rest[end:]
		if _, ok := writeKeywords[word]; !ok {
			continue
		}
		if !strings.HasPrefix(strings.TrimLeftFunc(rest, unicode.IsSpace), "(") {
			return true
		}
	}
	return false
}

func parensBalanced(text string) bool {
	code, ok := codeOf(text, lexModes[0])
	if !ok {
		return false
	}
	depth := 0
	for _, r := range code {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}
