package analytics

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotReadOnly marks a statement rejected by the read-only validator.
var ErrNotReadOnly = errors.New("statement is not read-only")

// readKeywords is the allow-set of leading keywords for analytical reads.
var readKeywords = map[string]struct{}{
	"select":   {},
	"with":     {},
	"show":     {},
	"describe": {},
	"explain":  {},
}

// ValidateReadOnly enforces the analytical read contract: a single
// statement that starts with a read keyword. Leading parentheses are
// allowed (compound selects), one trailing semicolon is tolerated, any
// other semicolon is treated as a statement separator and rejected.
func ValidateReadOnly(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return fmt.Errorf("%w: empty statement", ErrNotReadOnly)
	}

	trimmed = strings.TrimSuffix(trimmed, ";")
	if strings.Contains(trimmed, ";") {
		return fmt.Errorf("%w: multiple statements", ErrNotReadOnly)
	}

	body := strings.TrimLeft(trimmed, " \t\r\n(")
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty statement", ErrNotReadOnly)
	}
	keyword := strings.ToLower(fields[0])
	if _, ok := readKeywords[keyword]; !ok {
		return fmt.Errorf("%w: %q statements are not allowed", ErrNotReadOnly, keyword)
	}
	return nil
}
