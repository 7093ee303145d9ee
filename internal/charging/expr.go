package charging

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Row is anything a charging expression can read columns from. A column that
// is absent or NULL reports ok=false.
type Row interface {
	Number(col string) (float64, bool)
	Text(col string) (string, bool)
}

// Expr is a node in a charging formula. Every node renders both an in-process
// value and the equivalent Postgres expression, so the two cannot drift.
type Expr interface {
	Eval(Row) float64
	SQL() string
}

// Cond is a boolean test used by Case.
type Cond interface {
	Match(Row) bool
	SQL() string
}

// Col reads a numeric column; NULL or missing reads as 0.
type Col string

func (c Col) Eval(r Row) float64 {
	v, ok := r.Number(string(c))
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func (c Col) SQL() string { return "COALESCE(" + string(c) + ", 0)" }

// Num is a numeric literal.
type Num float64

func (n Num) Eval(Row) float64 { return float64(n) }

func (n Num) SQL() string {
	s := strconv.FormatFloat(float64(n), 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

type sum []Expr

// Add sums its terms.
func Add(terms ...Expr) Expr { return sum(terms) }

func (s sum) Eval(r Row) float64 {
	var v float64
	for _, t := range s {
		v += t.Eval(r)
	}
	return v
}

func (s sum) SQL() string { return join(s, " + ", 0) }

type product []Expr

// Mul multiplies its factors.
func Mul(factors ...Expr) Expr { return product(factors) }

func (p product) Eval(r Row) float64 {
	v := 1.0
	for _, f := range p {
		v *= f.Eval(r)
	}
	return v
}

func (p product) SQL() string { return join(p, " * ", 1) }

type quotient struct{ num, den Expr }

// Div divides num by den. A zero divisor yields 0 on both sides.
func Div(num, den Expr) Expr { return quotient{num: num, den: den} }

func (q quotient) Eval(r Row) float64 {
	d := q.den.Eval(r)
	if d == 0 {
		return 0
	}
	return q.num.Eval(r) / d
}

func (q quotient) SQL() string {
	return fmt.Sprintf("COALESCE(%s / NULLIF(%s, 0), 0)", q.num.SQL(), q.den.SQL())
}

// When pairs a condition with the expression used when it matches.
type When struct {
	If   Cond
	Then Expr
}

// Case evaluates Whens in order; the first match wins, otherwise Else.
type Case struct {
	Whens []When
	Else  Expr
}

func (c Case) Eval(r Row) float64 {
	for _, w := range c.Whens {
		if w.If.Match(r) {
			return w.Then.Eval(r)
		}
	}
	if c.Else == nil {
		return 0
	}
	return c.Else.Eval(r)
}

func (c Case) SQL() string {
	var b strings.Builder
	b.WriteString("CASE")
	for _, w := range c.Whens {
		b.WriteString(" WHEN ")
		b.WriteString(w.If.SQL())
		b.WriteString(" THEN ")
		b.WriteString(w.Then.SQL())
	}
	b.WriteString(" ELSE ")
	if c.Else == nil {
		b.WriteString(Num(0).SQL())
	} else {
		b.WriteString(c.Else.SQL())
	}
	b.WriteString(" END")
	return b.String()
}

// QueueHas matches when the queue name contains substr, ignoring case. A NULL
// queue is the empty string.
type QueueHas string

func (q QueueHas) Match(r Row) bool {
	s, _ := r.Text("queue")
	return strings.Contains(strings.ToLower(s), strings.ToLower(string(q)))
}

func (q QueueHas) SQL() string {
	pat := strings.ReplaceAll(strings.ToLower(string(q)), "'", "''")
	return "COALESCE(queue, '') ILIKE '%" + pat + "%'"
}

type allOf []Cond

// All matches when every condition matches.
func All(conds ...Cond) Cond { return allOf(conds) }

func (a allOf) Match(r Row) bool {
	for _, c := range a {
		if !c.Match(r) {
			return false
		}
	}
	return true
}

func (a allOf) SQL() string {
	parts := make([]string, len(a))
	for i, c := range a {
		parts[i] = c.SQL()
	}
	return "(" + strings.Join(parts, " AND ") + ")"
}

func join(es []Expr, sep string, empty Num) string {
	if len(es) == 0 {
		return empty.SQL()
	}
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.SQL()
	}
	return "(" + strings.Join(parts, sep) + ")"
}
