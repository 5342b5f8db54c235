package selection

import (
	"strconv"
	"strings"

	"github.com/poiesic/streamvisit/core"
)

type valueKind int

const (
	kindNull valueKind = iota
	kindString
	kindNumber
	kindBool
)

type value struct {
	kind valueKind
	str  string
	num  float64
	b    bool
}

func stringValue(s string) value  { return value{kind: kindString, str: s} }
func numberValue(f float64) value { return value{kind: kindNumber, num: f} }
func boolValue(b bool) value      { return value{kind: kindBool, b: b} }

// coerce converts a field value to the kind of the literal it is compared to.
// Document fields are stored as strings.
func (v value) coerce(to valueKind) (value, bool) {
	if v.kind == to || v.kind != kindString {
		return v, v.kind == to
	}
	switch to {
	case kindNumber:
		f, err := strconv.ParseFloat(v.str, 64)
		return numberValue(f), err == nil
	case kindBool:
		b, err := strconv.ParseBool(v.str)
		return boolValue(b), err == nil
	}
	return v, false
}

func compare(op string, a, b value) bool {
	if a.kind == kindNull || b.kind == kindNull {
		both := a.kind == kindNull && b.kind == kindNull
		switch op {
		case "==":
			return both
		case "!=":
			return !both
		}
		return false
	}
	if a.kind != b.kind {
		if b.kind == kindString {
			a, b = b, a
			op = flip(op)
		}
		var ok bool
		if a, ok = a.coerce(b.kind); !ok {
			return op == "!="
		}
	}

	var c int
	switch a.kind {
	case kindString:
		c = strings.Compare(a.str, b.str)
	case kindNumber:
		switch {
		case a.num < b.num:
			c = -1
		case a.num > b.num:
			c = 1
		}
	case kindBool:
		if a.b != b.b {
			return op == "!="
		}
		return op == "==" || op == "<=" || op == ">="
	}

	switch op {
	case "==":
		return c == 0
	case "!=":
		return c != 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return false
}

func flip(op string) string {
	switch op {
	case "<":
		return ">"
	case "<=":
		return ">="
	case ">":
		return "<"
	case ">=":
		return "<="
	}
	return op
}

// evalContext is what an expression is evaluated against.
type evalContext struct {
	doc *core.Document
	id  core.DocumentID
	ok  bool
}

type node interface {
	eval(ctx *evalContext) bool
}

type operand interface {
	resolve(ctx *evalContext) value
	asCondition() node
}

type andNode struct{ left, right node }
type orNode struct{ left, right node }
type notNode struct{ inner node }

func (n *andNode) eval(ctx *evalContext) bool { return n.left.eval(ctx) && n.right.eval(ctx) }
func (n *orNode) eval(ctx *evalContext) bool  { return n.left.eval(ctx) || n.right.eval(ctx) }
func (n *notNode) eval(ctx *evalContext) bool { return !n.inner.eval(ctx) }

type compareNode struct {
	op          string
	left, right operand
}

func (n *compareNode) eval(ctx *evalContext) bool {
	return compare(n.op, n.left.resolve(ctx), n.right.resolve(ctx))
}

// truthNode is an operand used on its own, e.g. a bare document type or a
// boolean literal.
type truthNode struct{ op operand }

func (n *truthNode) eval(ctx *evalContext) bool {
	v := n.op.resolve(ctx)
	switch v.kind {
	case kindBool:
		return v.b
	case kindString:
		return v.str != ""
	case kindNumber:
		return v.num != 0
	}
	return false
}

type literal struct{ val value }

func (l literal) resolve(*evalContext) value { return l.val }
func (l literal) asCondition() node          { return &truthNode{op: l} }

type idComponent int

const (
	idNone idComponent = iota
	idUser
	idGroup
	idNamespace
	idType
	idSpecific
	idWhole
)

// path is a field reference. A path with a single segment is a document type.
type path struct {
	docType string
	field   string
	id      idComponent
}

func newPath(text string, pos int) (operand, error) {
	if text == "id" {
		return &path{id: idWhole}, nil
	}
	head, rest, dotted := strings.Cut(text, ".")
	if !dotted {
		return &path{docType: text}, nil
	}
	if head == "" || rest == "" || strings.HasSuffix(rest, ".") {
		return nil, syntaxError(pos, "malformed field path "+strconv.Quote(text))
	}
	if head == "id" {
		switch rest {
		case "user":
			return &path{id: idUser}, nil
		case "group":
			return &path{id: idGroup}, nil
		case "namespace":
			return &path{id: idNamespace}, nil
		case "type":
			return &path{id: idType}, nil
		case "specific":
			return &path{id: idSpecific}, nil
		}
		return nil, syntaxError(pos, "unknown id component "+strconv.Quote(rest))
	}
	return &path{docType: head, field: rest}, nil
}

func (p *path) resolve(ctx *evalContext) value {
	if p.id != idNone {
		if !ctx.ok {
			return value{}
		}
		switch p.id {
		case idUser:
			if ctx.id.HasUser {
				return numberValue(float64(ctx.id.UserID))
			}
		case idGroup:
			if ctx.id.HasGroup {
				return stringValue(ctx.id.Group)
			}
		case idNamespace:
			return stringValue(ctx.id.Namespace)
		case idType:
			return stringValue(ctx.id.DocType)
		case idSpecific:
			return stringValue(ctx.id.Local)
		case idWhole:
			return stringValue(ctx.doc.ID)
		}
		return value{}
	}
	if !ctx.ok || ctx.id.DocType != p.docType {
		return value{}
	}
	if p.field == "" {
		return boolValue(true)
	}
	v, ok := ctx.doc.Fields[p.field]
	if !ok {
		return value{}
	}
	return stringValue(v)
}

func (p *path) asCondition() node {
	if p.field == "" && p.id == idNone {
		return &truthNode{op: p}
	}
	// A bare field reference tests for presence.
	return &compareNode{op: "!=", left: p, right: literal{}}
}

// Matches reports whether doc is selected by the expression. Documents with
// an unparsable id only match expressions that do not depend on the id.
func (e *Expression) Matches(doc *core.Document) bool {
	if doc == nil {
		return false
	}
	id, err := core.ParseDocumentID(doc.ID)
	ctx := &evalContext{doc: doc, id: id, ok: err == nil}
	return e.root.eval(ctx)
}

// Location is a location constraint implied by an expression.
type Location struct {
	UserID   uint64
	HasUser  bool
	Group    string
	HasGroup bool
}

// Value returns the 64-bit location.
func (l Location) Value() uint64 {
	if l.HasUser {
		return l.UserID
	}
	return core.LocationFromContent(l.Group)
}

// Bucket returns the bucket holding every document matching the constraint.
func (l Location) Bucket(bits int) core.BucketID {
	return core.BucketForLocation(l.Value(), bits)
}

// Location extracts an id.user == N or id.group == "name" constraint that
// every matching document must satisfy. Only conjunctions are searched, since
// a disjunction or negation can match documents outside any single location.
func (e *Expression) Location() (Location, bool) {
	return findLocation(e.root)
}

func findLocation(n node) (Location, bool) {
	switch n := n.(type) {
	case *andNode:
		if loc, ok := findLocation(n.left); ok {
			return loc, true
		}
		return findLocation(n.right)
	case *compareNode:
		if n.op != "==" {
			return Location{}, false
		}
		p, lit, ok := pathAndLiteral(n.left, n.right)
		if !ok {
			return Location{}, false
		}
		switch {
		case p.id == idUser && lit.val.kind == kindNumber:
			if n, err := strconv.ParseUint(lit.val.str, 10, 64); err == nil {
				return Location{UserID: n, HasUser: true}, true
			}
		case p.id == idGroup && lit.val.kind == kindString:
			return Location{Group: lit.val.str, HasGroup: true}, true
		}
	}
	return Location{}, false
}

func pathAndLiteral(a, b operand) (*path, literal, bool) {
	if p, ok := a.(*path); ok {
		if l, ok := b.(literal); ok {
			return p, l, true
		}
	}
	if p, ok := b.(*path); ok {
		if l, ok := a.(literal); ok {
			return p, l, true
		}
	}
	return nil, literal{}, false
}
