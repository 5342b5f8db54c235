// Package selection parses and evaluates document selection expressions.
//
// The supported language is the subset streaming visits use:
//
//	music and ( id.user == 1234 )
//	music.year >= 2000 and not music.artist == "Unknown"
//	id.group == "family" or id.namespace == "archive"
//
// A bare document type name matches documents of that type. Field paths are
// either id.<component> (user, group, namespace, type, specific) or
// <doctype>.<field>. Literals are double quoted strings, numbers, true,
// false and null.
package selection

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrSyntax indicates a selection expression that could not be parsed.
var ErrSyntax = errors.New("selection syntax error")

func syntaxError(pos int, msg string) error {
	return fmt.Errorf("%w at position %d: %s", ErrSyntax, pos, msg)
}

// Expression is a parsed selection.
type Expression struct {
	source string
	root   node
}

// Parse parses a selection expression.
func Parse(input string) (*Expression, error) {
	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	if p.peek().kind == tokEOF {
		return nil, syntaxError(0, "empty expression")
	}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, syntaxError(tok.pos, "unexpected "+tok.String())
	}
	return &Expression{source: input, root: root}, nil
}

// String returns the source text of the expression.
func (e *Expression) String() string {
	return e.source
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) keyword(word string) bool {
	tok := p.peek()
	return tok.kind == tokIdent && tok.text == word
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.keyword("and") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &andNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.keyword("not") {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	if p.peek().kind == tokLParen {
		open := p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if tok := p.next(); tok.kind != tokRParen {
			return nil, syntaxError(tok.pos, fmt.Sprintf("expected ) to close ( at %d, got %s", open.pos, tok))
		}
		return inner, nil
	}

	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokOp {
		return left.asCondition(), nil
	}
	op := p.next()
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return &compareNode{op: op.text, left: left, right: right}, nil
}

func (p *parser) parseOperand() (operand, error) {
	tok := p.next()
	switch tok.kind {
	case tokString:
		return literal{val: stringValue(tok.text)}, nil
	case tokNumber:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, syntaxError(tok.pos, "malformed number "+tok.String())
		}
		return literal{val: value{kind: kindNumber, num: f, str: tok.text}}, nil
	case tokIdent:
		switch tok.text {
		case "true":
			return literal{val: boolValue(true)}, nil
		case "false":
			return literal{val: boolValue(false)}, nil
		case "null":
			return literal{val: value{}}, nil
		case "and", "or", "not":
			return nil, syntaxError(tok.pos, "unexpected keyword "+tok.String())
		}
		return newPath(tok.text, tok.pos)
	default:
		return nil, syntaxError(tok.pos, "unexpected "+tok.String())
	}
}
