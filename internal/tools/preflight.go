package tools

import (
	"fmt"
	"strings"
)

// Substrings that must never appear in submitted Python: tool recursion is
// driven through the model loop, not from inside the sandbox.
var forbiddenCodeRefs = []string{
	"run_sql(",
	"run_python(",
	"time_travel(",
}

// PreflightError reports a Python submission rejected before it reached a
// sandbox. Retryable is always true: the model can fix its own code.
type PreflightError struct {
	Line      int
	Col       int
	Detail    string
	Retryable bool
}

func (e *PreflightError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("python preflight: line %d col %d: %s", e.Line, e.Col, e.Detail)
	}
	return fmt.Sprintf("python preflight: %s", e.Detail)
}

// PreflightPython runs the cheap lexical checks on submitted code: empty
// input, tool-recursion references, and unterminated string or bracket
// structure. It is not a parser; code that passes can still fail in the
// sandbox, but the common junk submissions die here without burning a
// sandbox slot.
func PreflightPython(code string) error {
	if strings.TrimSpace(code) == "" {
		return &PreflightError{Detail: "empty code", Retryable: true}
	}

	for _, ref := range forbiddenCodeRefs {
		if line, col, found := locate(code, ref); found {
			return &PreflightError{
				Line:      line,
				Col:       col,
				Detail:    fmt.Sprintf("code must not invoke %s from inside the sandbox", strings.TrimSuffix(ref, "(")),
				Retryable: true,
			}
		}
	}

	return scanStructure(code)
}

// locate finds the first occurrence of needle outside Python comments,
// returning a 1-based line and column.
func locate(code, needle string) (line, col int, found bool) {
	line = 1
	for _, rawLine := range strings.Split(code, "\n") {
		scan := rawLine
		if i := strings.Index(scan, "#"); i >= 0 {
			scan = scan[:i]
		}
		if i := strings.Index(scan, needle); i >= 0 {
			return line, i + 1, true
		}
		line++
	}
	return 0, 0, false
}

// scanStructure walks the code tracking string state and bracket depth.
// Triple-quoted strings, escapes, and comments are honored well enough to
// catch unterminated literals and unbalanced brackets.
func scanStructure(code string) error {
	var (
		line, col   = 1, 0
		inString    bool
		quote       byte
		triple      bool
		stack       []byte
		stackLines  []int
		stackCols   []int
		openFor     = map[byte]byte{')': '(', ']': '[', '}': '{'}
		stringStart = [2]int{0, 0}
	)

	for i := 0; i < len(code); i++ {
		ch := code[i]
		col++
		if ch == '\n' {
			line++
			col = 0
			if inString && !triple {
				return &PreflightError{
					Line: stringStart[0], Col: stringStart[1],
					Detail:    "unterminated string literal",
					Retryable: true,
				}
			}
			continue
		}

		if inString {
			if ch == '\\' {
				i++
				col++
				continue
			}
			if ch == quote {
				if triple {
					if i+2 < len(code) && code[i+1] == quote && code[i+2] == quote {
						inString = false
						i += 2
						col += 2
					}
				} else {
					inString = false
				}
			}
			continue
		}

		switch ch {
		case '#':
			for i < len(code) && code[i] != '\n' {
				i++
			}
			i-- // main loop advances past the newline
		case '\'', '"':
			inString = true
			quote = ch
			stringStart = [2]int{line, col}
			if i+2 < len(code) && code[i+1] == ch && code[i+2] == ch {
				triple = true
				i += 2
				col += 2
			} else {
				triple = false
			}
		case '(', '[', '{':
			stack = append(stack, ch)
			stackLines = append(stackLines, line)
			stackCols = append(stackCols, col)
		case ')', ']', '}':
			want := openFor[ch]
			if len(stack) == 0 || stack[len(stack)-1] != want {
				return &PreflightError{
					Line: line, Col: col,
					Detail:    fmt.Sprintf("unmatched %q", string(ch)),
					Retryable: true,
				}
			}
			stack = stack[:len(stack)-1]
			stackLines = stackLines[:len(stackLines)-1]
			stackCols = stackCols[:len(stackCols)-1]
		}
	}

	if inString {
		return &PreflightError{
			Line: stringStart[0], Col: stringStart[1],
			Detail:    "unterminated string literal",
			Retryable: true,
		}
	}
	if len(stack) > 0 {
		n := len(stack) - 1
		return &PreflightError{
			Line: stackLines[n], Col: stackCols[n],
			Detail:    fmt.Sprintf("unclosed %q", string(stack[n])),
			Retryable: true,
		}
	}
	return nil
}
