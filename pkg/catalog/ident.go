package catalog

import (
	"fmt"
	"strings"
)

// Reserved words that must be quoted when they appear as identifiers in an
// internally generated statement. Losing the quotes turns a keyword column
// into a syntax error or, worse, a write against the wrong identifier.
var reservedIdents = map[string]bool{
	"to": true, "int": true, "text": true, "blob": true, "set": true,
	"select": true, "insert": true, "delete": true, "update": true,
	"where": true, "from": true, "into": true, "values": true,
	"primary": true, "key": true, "not": true, "null": true, "is": true,
	"and": true, "view": true, "table": true, "static": true, "token": true,
}

func identNeedsQuoting(name string) bool {
	if name == "" {
		return true
	}
	if reservedIdents[name] {
		return true
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return true
			}
		default:
			return true
		}
	}
	return false
}

// QuoteIdent renders an identifier for an internally generated statement,
// preserving it verbatim: quoting is added whenever the bare form would not
// parse back to the exact same identifier.
func QuoteIdent(name string) string {
	if !identNeedsQuoting(name) {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// ParseIdent is the inverse of QuoteIdent. It rejects bare identifiers that
// QuoteIdent would have quoted, so a quoting bug upstream surfaces as a
// parse error instead of a silent wrong-target write.
func ParseIdent(s string) (string, error) {
	if strings.HasPrefix(s, `"`) {
		if len(s) < 2 || !strings.HasSuffix(s, `"`) {
			return "", fmt.Errorf("unterminated quoted identifier: %s", s)
		}
		inner := s[1 : len(s)-1]
		unescaped := strings.ReplaceAll(inner, `""`, `"`)
		if strings.Count(inner, `"`)%2 != 0 {
			return "", fmt.Errorf("stray quote in identifier: %s", s)
		}
		return unescaped, nil
	}
	if identNeedsQuoting(s) {
		return "", fmt.Errorf("identifier requires quoting: %s", s)
	}
	return s, nil
}
