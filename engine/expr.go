package engine

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// evalCondition evaluates a stage condition against the context. A bare
// "$path" is a truthiness check; otherwise the string is a boolean
// expression supporting ==, !=, <, <=, >, >=, &&, ||, !, parentheses,
// numbers, quoted strings, true/false, and $path references.
func evalCondition(expr string, ctx map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, nil
	}

	toks, err := scanCondition(expr)
	if err != nil {
		return false, err
	}
	p := condParser{toks: toks, ctx: ctx}
	v, err := p.or()
	if err != nil {
		return false, err
	}
	if p.pos != len(p.toks) {
		return false, fmt.Errorf("unexpected %q in condition", p.toks[p.pos].text)
	}
	return truthy(v), nil
}

// truthy is the engine-wide truthiness rule: nil, false, zero numbers, and
// empty strings are false; everything else (including empty collections)
// is true.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case string:
		return val != ""
	default:
		return true
	}
}

type condTokenKind int

const (
	condNumber condTokenKind = iota
	condString
	condWord // true, false
	condRef  // $path
	condOp
	condLParen
	condRParen
)

type condToken struct {
	kind condTokenKind
	text string
}

func scanCondition(expr string) ([]condToken, error) {
	var toks []condToken
	rs := []rune(expr)
	for i := 0; i < len(rs); {
		ch := rs[i]
		switch {
		case unicode.IsSpace(ch):
			i++
		case ch == '(':
			toks = append(toks, condToken{condLParen, "("})
			i++
		case ch == ')':
			toks = append(toks, condToken{condRParen, ")"})
			i++
		case ch == '\'' || ch == '"':
			j := i + 1
			var sb strings.Builder
			for j < len(rs) && rs[j] != ch {
				sb.WriteRune(rs[j])
				j++
			}
			if j == len(rs) {
				return nil, fmt.Errorf("unterminated string in condition %q", expr)
			}
			toks = append(toks, condToken{condString, sb.String()})
			i = j + 1
		case ch == '$':
			j := i + 1
			for j < len(rs) && isPathRune(rs[j]) {
				j++
			}
			if j == i+1 {
				return nil, fmt.Errorf("bare $ in condition %q", expr)
			}
			toks = append(toks, condToken{condRef, string(rs[i+1 : j])})
			i = j
		case isCondDigit(ch) || (ch == '-' && i+1 < len(rs) && isCondDigit(rs[i+1]) && numberMayFollow(toks)):
			j := i + 1
			for j < len(rs) && (isCondDigit(rs[j]) || rs[j] == '.') {
				j++
			}
			toks = append(toks, condToken{condNumber, string(rs[i:j])})
			i = j
		case unicode.IsLetter(ch):
			j := i
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_') {
				j++
			}
			toks = append(toks, condToken{condWord, string(rs[i:j])})
			i = j
		default:
			if i+1 < len(rs) {
				two := string(rs[i : i+2])
				if two == "==" || two == "!=" || two == ">=" || two == "<=" || two == "&&" || two == "||" {
					toks = append(toks, condToken{condOp, two})
					i += 2
					continue
				}
			}
			if ch == '>' || ch == '<' || ch == '!' {
				toks = append(toks, condToken{condOp, string(ch)})
				i++
				continue
			}
			return nil, fmt.Errorf("unexpected character %q in condition %q", string(ch), expr)
		}
	}
	return toks, nil
}

func isCondDigit(ch rune) bool { return ch >= '0' && ch <= '9' }

func isPathRune(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '.'
}

// numberMayFollow distinguishes a negative-number prefix from an operator:
// a '-' starts a number at the beginning of the expression or after an
// operator or opening parenthesis.
func numberMayFollow(toks []condToken) bool {
	if len(toks) == 0 {
		return true
	}
	last := toks[len(toks)-1]
	return last.kind == condOp || last.kind == condLParen
}

type condParser struct {
	toks []condToken
	pos  int
	ctx  map[string]any
}

func (p *condParser) peekOp(ops ...string) bool {
	if p.pos >= len(p.toks) || p.toks[p.pos].kind != condOp {
		return false
	}
	for _, op := range ops {
		if p.toks[p.pos].text == op {
			return true
		}
	}
	return false
}

func (p *condParser) or() (any, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.peekOp("||") {
		p.pos++
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *condParser) and() (any, error) {
	left, err := p.compare()
	if err != nil {
		return nil, err
	}
	for p.peekOp("&&") {
		p.pos++
		right, err := p.compare()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *condParser) compare() (any, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	if p.peekOp("==", "!=", ">", "<", ">=", "<=") {
		op := p.toks[p.pos].text
		p.pos++
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		return compareValues(left, op, right), nil
	}
	return left, nil
}

func (p *condParser) unary() (any, error) {
	if p.peekOp("!") {
		p.pos++
		v, err := p.unary()
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	return p.primary()
}

func (p *condParser) primary() (any, error) {
	if p.pos >= len(p.toks) {
		return nil, fmt.Errorf("unexpected end of condition")
	}
	t := p.toks[p.pos]
	p.pos++
	switch t.kind {
	case condNumber:
		return strconv.ParseFloat(t.text, 64)
	case condString:
		return t.text, nil
	case condRef:
		return lookupPath(t.text, p.ctx), nil
	case condWord:
		switch t.text {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		// Bare identifiers read the context too, so "done" and "$done"
		// are equivalent.
		return lookupPath(t.text, p.ctx), nil
	case condLParen:
		v, err := p.or()
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.toks) || p.toks[p.pos].kind != condRParen {
			return nil, fmt.Errorf("missing closing parenthesis in condition")
		}
		p.pos++
		return v, nil
	default:
		return nil, fmt.Errorf("unexpected %q in condition", t.text)
	}
}

// compareValues compares numerically when both sides convert to numbers,
// by string form otherwise. nil equals only nil and orders below every
// non-nil value.
func compareValues(left any, op string, right any) bool {
	if left == nil || right == nil {
		switch op {
		case "==":
			return left == right
		case "!=":
			return left != right
		case "<", "<=":
			return left == nil && right != nil || op == "<=" && left == nil && right == nil
		case ">", ">=":
			return right == nil && left != nil || op == ">=" && left == nil && right == nil
		}
		return false
	}

	lf, lok := asNumber(left)
	rf, rok := asNumber(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case ">":
			return lf > rf
		case "<":
			return lf < rf
		case ">=":
			return lf >= rf
		case "<=":
			return lf <= rf
		}
	}

	ls, rs := fmt.Sprintf("%v", left), fmt.Sprintf("%v", right)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case ">":
		return ls > rs
	case "<":
		return ls < rs
	case ">=":
		return ls >= rs
	case "<=":
		return ls <= rs
	}
	return false
}

func asNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
