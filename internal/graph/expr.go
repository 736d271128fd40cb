package graph

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Outcome is the terminal condition a dependency term requires.
type Outcome int

const (
	Succeeds Outcome = iota
	Fails
	Completes
)

func (o Outcome) String() string {
	switch o {
	case Succeeds:
		return "SUCCEEDS"
	case Fails:
		return "FAILS"
	case Completes:
		return "COMPLETES"
	default:
		return "UNKNOWN"
	}
}

// tri is a three-valued truth: a term over a non-terminal task is unknown.
type tri int

const (
	unknown tri = iota
	yes
	no
)

// Expr is a dependency expression: And, Or or Term.
type Expr interface {
	eval(states map[string]State) tri
	refs(dst map[string]struct{})
	String() string
}

// Term requires Task to reach a terminal state matching Want.
type Term struct {
	Task string
	Want Outcome
}

// And is satisfied when every operand is.
type And []Expr

// Or is satisfied when any operand is.
type Or []Expr

func (t Term) eval(states map[string]State) tri {
	st := states[t.Task]
	if !st.Terminal() {
		return unknown
	}
	switch st {
	case Succeeded:
		if t.Want == Succeeds || t.Want == Completes {
			return yes
		}
	case Failed:
		if t.Want == Fails || t.Want == Completes {
			return yes
		}
	case Skipped:
		if t.Want == Completes {
			return yes
		}
	}
	return no
}

func (t Term) refs(dst map[string]struct{}) { dst[t.Task] = struct{}{} }

func (t Term) String() string { return t.Task + " " + t.Want.String() }

func (a And) eval(states map[string]State) tri {
	res := yes
	for _, e := range a {
		switch e.eval(states) {
		case no:
			return no
		case unknown:
			res = unknown
		}
	}
	return res
}

func (a And) refs(dst map[string]struct{}) {
	for _, e := range a {
		e.refs(dst)
	}
}

func (a And) String() string { return join(a, " AND ") }

func (o Or) eval(states map[string]State) tri {
	res := no
	for _, e := range o {
		switch e.eval(states) {
		case yes:
			return yes
		case unknown:
			res = unknown
		}
	}
	return res
}

func (o Or) refs(dst map[string]struct{}) {
	for _, e := range o {
		e.refs(dst)
	}
}

func (o Or) String() string { return join(o, " OR ") }

func join(es []Expr, sep string) string {
	parts := make([]string, 0, len(es))
	for _, e := range es {
		s := e.String()
		switch e.(type) {
		case And, Or:
			s = "(" + s + ")"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, sep)
}

// Refs returns the sorted task names referenced by e.
func Refs(e Expr) []string {
	if e == nil {
		return nil
	}
	set := map[string]struct{}{}
	e.refs(set)
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ParseAfter parses a dependency clause:
//
//	[AFTER] term ((AND | OR) term)*
//	term := name [SUCCEEDS | FAILS | COMPLETES] | "(" clause ")"
//
// AND binds tighter than OR. An empty clause yields a nil Expr (no dependency).
func ParseAfter(s string) (Expr, error) {
	toks, err := lexAfter(s)
	if err != nil {
		return nil, err
	}
	if len(toks) > 0 && strings.EqualFold(toks[0], "AFTER") {
		toks = toks[1:]
		if len(toks) == 0 {
			return nil, &DefinitionError{Kind: ErrSyntax, Msg: "AFTER requires at least one term"}
		}
	}
	if len(toks) == 0 {
		return nil, nil
	}
	p := &afterParser{toks: toks}
	e, err := p.or()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.toks) {
		return nil, &DefinitionError{Kind: ErrSyntax, Msg: fmt.Sprintf("unexpected %q in %q", p.toks[p.pos], s)}
	}
	return e, nil
}

func lexAfter(s string) ([]string, error) {
	var toks []string
	for i := 0; i < len(s); {
		c, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case unicode.IsSpace(c):
			i += size
		case c == '(' || c == ')':
			toks = append(toks, string(c))
			i += size
		case isNameRune(c):
			j := i
			for j < len(s) {
				r, n := utf8.DecodeRuneInString(s[j:])
				if !isNameRune(r) {
					break
				}
				j += n
			}
			toks = append(toks, s[i:j])
			i = j
		default:
			return nil, &DefinitionError{Kind: ErrSyntax, Msg: fmt.Sprintf("unexpected character %q in %q", c, s)}
		}
	}
	return toks, nil
}

func isNameRune(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '-' || c == '.'
}

type afterParser struct {
	toks []string
	pos  int
}

func (p *afterParser) peekKeyword(kw string) bool {
	return p.pos < len(p.toks) && strings.EqualFold(p.toks[p.pos], kw)
}

func (p *afterParser) or() (Expr, error) {
	first, err := p.and()
	if err != nil {
		return nil, err
	}
	terms := []Expr{first}
	for p.peekKeyword("OR") {
		p.pos++
		next, err := p.and()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return Or(terms), nil
}

func (p *afterParser) and() (Expr, error) {
	first, err := p.term()
	if err != nil {
		return nil, err
	}
	terms := []Expr{first}
	for p.peekKeyword("AND") {
		p.pos++
		next, err := p.term()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return And(terms), nil
}

func (p *afterParser) term() (Expr, error) {
	if p.pos >= len(p.toks) {
		return nil, &DefinitionError{Kind: ErrSyntax, Msg: "expected task name"}
	}
	tok := p.toks[p.pos]
	if tok == "(" {
		p.pos++
		e, err := p.or()
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.toks) || p.toks[p.pos] != ")" {
			return nil, &DefinitionError{Kind: ErrSyntax, Msg: "missing ')'"}
		}
		p.pos++
		return e, nil
	}
	if tok == ")" || isKeyword(tok) {
		return nil, &DefinitionError{Kind: ErrSyntax, Msg: fmt.Sprintf("expected task name, got %q", tok)}
	}
	p.pos++
	t := Term{Task: tok, Want: Succeeds}
	if p.pos < len(p.toks) {
		if o, ok := outcomeWords[strings.ToUpper(p.toks[p.pos])]; ok {
			t.Want = o
			p.pos++
		}
	}
	return t, nil
}

var outcomeWords = map[string]Outcome{
	"SUCCEEDS": Succeeds, "SUCCEEDED": Succeeds,
	"FAILS": Fails, "FAILED": Fails,
	"COMPLETES": Completes, "COMPLETED": Completes,
}

func isKeyword(tok string) bool {
	u := strings.ToUpper(tok)
	if u == "AND" || u == "OR" || u == "AFTER" {
		return true
	}
	_, ok := outcomeWords[u]
	return ok
}
