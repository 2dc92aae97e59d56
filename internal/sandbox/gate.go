package sandbox

import (
	"fmt"
	"strings"
)

// SyntaxGate statically checks submitted Python source before any execution
// resource is allocated. It is a pure function over the source text: no I/O,
// no side effects, identical outcomes for identical input.
//
// The gate is a surface check, not a full parser. It rejects the failure
// classes that account for nearly all malformed submissions — unterminated
// string literals, unbalanced or mismatched brackets, dangling line
// continuations, block headers with no indented block, and dedents to an
// unknown indentation level — and deliberately accepts anything it cannot
// prove broken. False accepts are caught by the interpreter at execution
// time; the gate must never reject valid source.
type SyntaxGate struct{}

func NewSyntaxGate() SyntaxGate { return SyntaxGate{} }

type bracketOpen struct {
	ch   byte
	line int
}

// Validate scans the source and reports the first syntax problem found,
// with its 1-based line number.
func (SyntaxGate) Validate(source string) ValidationOutcome {
	lines := strings.Split(source, "\n")

	var (
		brackets     []bracketOpen
		inTriple     bool
		tripleQuote  byte
		tripleLine   int
		continued    bool // previous line ended with a backslash
		expectIndent bool
		indents      = []int{0}
		lastChar     byte // last significant char of the current logical line
	)

	invalid := func(line int, format string, args ...any) ValidationOutcome {
		return ValidationOutcome{Valid: false, Line: line, Message: fmt.Sprintf(format, args...)}
	}

	for i, raw := range lines {
		lineNo := i + 1
		line := strings.TrimSuffix(raw, "\r")

		startsLogical := !continued && len(brackets) == 0 && !inTriple
		continued = false

		if startsLogical {
			stripped := strings.TrimLeft(line, " \t")
			if stripped == "" || stripped[0] == '#' {
				continue // blank and comment-only lines carry no block structure
			}

			indent := indentWidth(line)
			top := indents[len(indents)-1]
			switch {
			case expectIndent:
				if indent <= top {
					return invalid(lineNo, "expected an indented block")
				}
				indents = append(indents, indent)
				expectIndent = false
			case indent > top:
				return invalid(lineNo, "unexpected indent")
			case indent < top:
				for len(indents) > 1 && indents[len(indents)-1] > indent {
					indents = indents[:len(indents)-1]
				}
				if indents[len(indents)-1] != indent {
					return invalid(lineNo, "unindent does not match any outer indentation level")
				}
			}
			lastChar = 0
		}

		j := 0
	scan:
		for j < len(line) {
			c := line[j]

			if inTriple {
				switch {
				case c == '\\':
					j += 2
				case c == tripleQuote && strings.HasPrefix(line[j:], strings.Repeat(string(c), 3)):
					inTriple = false
					lastChar = c
					j += 3
				default:
					j++
				}
				continue
			}

			switch c {
			case '#':
				break scan
			case '\'', '"':
				if strings.HasPrefix(line[j:], strings.Repeat(string(c), 3)) {
					inTriple = true
					tripleQuote = c
					tripleLine = lineNo
					j += 3
					continue
				}
				k := j + 1
				closed := false
				for k < len(line) {
					if line[k] == '\\' {
						k += 2
						continue
					}
					if line[k] == c {
						closed = true
						break
					}
					k++
				}
				if !closed {
					return invalid(lineNo, "unterminated string literal (detected at line %d)", lineNo)
				}
				lastChar = c
				j = k + 1
				continue
			case '(', '[', '{':
				brackets = append(brackets, bracketOpen{ch: c, line: lineNo})
				lastChar = c
			case ')', ']', '}':
				if len(brackets) == 0 || closerFor(brackets[len(brackets)-1].ch) != c {
					return invalid(lineNo, "unmatched '%c'", c)
				}
				brackets = brackets[:len(brackets)-1]
				lastChar = c
			case '\\':
				if strings.TrimSpace(line[j+1:]) != "" {
					return invalid(lineNo, "unexpected character after line continuation character")
				}
				continued = true
				break scan
			default:
				if c != ' ' && c != '\t' {
					lastChar = c
				}
			}
			j++
		}

		if !continued && len(brackets) == 0 && !inTriple && lastChar == ':' {
			expectIndent = true
		}
	}

	switch {
	case inTriple:
		return ValidationOutcome{Valid: false, Line: tripleLine,
			Message: fmt.Sprintf("unterminated triple-quoted string literal (detected at line %d)", tripleLine)}
	case len(brackets) > 0:
		open := brackets[len(brackets)-1]
		return ValidationOutcome{Valid: false, Line: open.line,
			Message: fmt.Sprintf("'%c' was never closed", open.ch)}
	case continued:
		return ValidationOutcome{Valid: false, Line: len(lines), Message: "unexpected EOF while parsing"}
	case expectIndent:
		return ValidationOutcome{Valid: false, Line: len(lines), Message: "expected an indented block"}
	}

	return ValidationOutcome{Valid: true}
}

// indentWidth measures leading whitespace, expanding tabs to the next
// multiple of 8 the way CPython's tokenizer does.
func indentWidth(line string) int {
	w := 0
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case ' ':
			w++
		case '\t':
			w = w/8*8 + 8
		default:
			return w
		}
	}
	return w
}

func closerFor(open byte) byte {
	switch open {
	case '(':
		return ')'
	case '[':
		return ']'
	default:
		return '}'
	}
}
