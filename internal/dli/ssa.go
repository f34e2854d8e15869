package dli

import (
	"fmt"
	"strings"
	"unicode"
)

// Op relational operator of one qualification statement
type Op string

const (
	EQ Op = "="
	NE Op = "!="
	GT Op = ">"
	GE Op = ">="
	LT Op = "<"
	LE Op = "<="
)

// Connector joins a qualification statement to the next one
type Connector int

const (
	And Connector = iota
	Or
)

// Qual one qualification statement: Field Op Value
type Qual struct {
	Field string
	Op    Op
	Value any
	// Next connects this statement to the following one, ignored on the last
	Next Connector
}

// SSA segment search argument. No Quals means unqualified.
type SSA struct {
	Segment string
	Quals   []Qual
}

// Unqualified SSA naming only the segment type
func Unqualified(segment string) SSA {
	return SSA{Segment: segment}
}

// Qualified SSA with one statement
func Qualified(segment, field string, op Op, value any) SSA {
	return SSA{Segment: segment, Quals: []Qual{{Field: field, Op: op, Value: value}}}
}

func (s SSA) String() string {
	if len(s.Quals) == 0 {
		return s.Segment
	}
	var b strings.Builder
	b.WriteString(s.Segment)
	b.WriteByte('(')
	for i, q := range s.Quals {
		if i > 0 {
			if s.Quals[i-1].Next == Or {
				b.WriteByte('|')
			} else {
				b.WriteByte('&')
			}
		}
		fmt.Fprintf(&b, "%s%s%v", q.Field, q.Op, q.Value)
	}
	b.WriteByte(')')
	return b.String()
}

// operator spellings, longest first
var ops = []struct {
	text string
	op   Op
}{
	{">=", GE}, {"=>", GE}, {"<=", LE}, {"=<", LE}, {"!=", NE}, {"¬=", NE}, {"<>", NE},
	{"EQ", EQ}, {"NE", NE}, {"GT", GT}, {"GE", GE}, {"LT", LT}, {"LE", LE},
	{"=", EQ}, {">", GT}, {"<", LT},
}

func isNameRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("-_#@$", r)
}

// ParseSSA reads the text form SEGNAME or SEGNAME(FIELD op value ...).
// Statements join with & or * (and) and | or + (or). Values may be quoted.
func ParseSSA(text string) (SSA, error) {
	const msg = "ParseSSA:"
	s := strings.TrimSpace(text)
	i := strings.IndexFunc(s, func(r rune) bool { return !isNameRune(r) })
	if i < 0 {
		i = len(s)
	}
	ssa := SSA{Segment: strings.ToUpper(s[:i])}
	if ssa.Segment == "" {
		return SSA{}, fmt.Errorf("%s %w: missing segment name in %q", msg, ErrBadSSA, text)
	}
	rest := strings.TrimSpace(s[i:])
	if rest == "" {
		return ssa, nil
	}
	if rest[0] != '(' || rest[len(rest)-1] != ')' {
		return SSA{}, fmt.Errorf("%s %w: %q", msg, ErrBadSSA, text)
	}
	body := rest[1 : len(rest)-1]

	for {
		var q Qual
		body = strings.TrimSpace(body)
		j := strings.IndexFunc(body, func(r rune) bool { return !isNameRune(r) })
		if j <= 0 {
			return SSA{}, fmt.Errorf("%s %w: missing field name in %q", msg, ErrBadSSA, text)
		}
		// operator words need a blank after the field name
		q.Field = strings.ToUpper(body[:j])
		body = strings.TrimSpace(body[j:])

		matched := false
		for _, o := range ops {
			if len(body) >= len(o.text) && strings.EqualFold(body[:len(o.text)], o.text) {
				q.Op, body, matched = o.op, body[len(o.text):], true
				break
			}
		}
		if !matched {
			return SSA{}, fmt.Errorf("%s %w: missing operator in %q", msg, ErrBadSSA, text)
		}
		body = strings.TrimLeft(body, " ")

		value, tail, err := readValue(body)
		if err != nil {
			return SSA{}, fmt.Errorf("%s %w: %v in %q", msg, ErrBadSSA, err, text)
		}
		q.Value = value
		body = strings.TrimSpace(tail)

		if body == "" {
			ssa.Quals = append(ssa.Quals, q)
			return ssa, nil
		}
		switch body[0] {
		case '&', '*':
			q.Next = And
		case '|', '+':
			q.Next = Or
		default:
			return SSA{}, fmt.Errorf("%s %w: unexpected %q in %q", msg, ErrBadSSA, body[:1], text)
		}
		ssa.Quals = append(ssa.Quals, q)
		body = body[1:]
	}
}

// readValue returns a quoted or bare value and the remaining text
func readValue(s string) (string, string, error) {
	if s == "" {
		return "", "", fmt.Errorf("missing value")
	}
	if q := s[0]; q == '\'' || q == '"' {
		end := strings.IndexByte(s[1:], q)
		if end < 0 {
			return "", "", fmt.Errorf("unterminated quote")
		}
		return s[1 : end+1], s[end+2:], nil
	}
	end := strings.IndexAny(s, "&*|+")
	if end < 0 {
		end = len(s)
	}
	if end == 0 {
		return "", "", fmt.Errorf("missing value")
	}
	return strings.TrimRight(s[:end], " "), s[end:], nil
}
