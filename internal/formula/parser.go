package formula

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	ferrors "github.com/paveg/cardformula/internal/errors"
)

// Operator precedence levels, lowest first.
const (
	precedenceLowest = iota + 1
	precedenceSum
	precedenceProduct
	precedencePrefix
)

var infixPrecedences = map[TokenType]int{
	PLUS:     precedenceSum,
	MINUS:    precedenceSum,
	ASTERISK: precedenceProduct,
	SLASH:    precedenceProduct,
}

var infixOperators = map[TokenType]Operator{
	PLUS:     OpAdd,
	MINUS:    OpSub,
	ASTERISK: OpMul,
	SLASH:    OpDiv,
}

// Parser is a Pratt parser over the formula token stream.
type Parser struct {
	lexer *Lexer
	text  string

	curToken  Token
	peekToken Token

	err *ferrors.ParseError
}

// NewParser creates a new parser for text.
func NewParser(text string) *Parser {
	p := &Parser{lexer: NewLexer(text), text: text}
	p.nextToken()
	p.nextToken()
	return p
}

// Parse parses formula text into an expression tree.
func Parse(text string) (Node, error) {
	return NewParser(text).Parse()
}

// MustParse is like Parse but panics on malformed text. It is intended for
// formulas known at compile time.
func MustParse(text string) Node {
	n, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return n
}

// Parse parses the whole input as one expression.
func (p *Parser) Parse() (Node, error) {
	if strings.TrimSpace(p.text) == "" {
		return nil, ferrors.NewParseError(p.text, -1, "formula is empty")
	}

	node := p.parseExpression(precedenceLowest)
	if p.err != nil {
		return nil, p.err
	}

	if !p.peekTokenIs(EOF) {
		p.nextToken()
		p.unexpected(p.curToken)
		return nil, p.err
	}
	return node, nil
}

func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.lexer.NextToken()
}

func (p *Parser) peekTokenIs(t TokenType) bool {
	return p.peekToken.Type == t
}

func (p *Parser) peekPrecedence() int {
	if prec, ok := infixPrecedences[p.peekToken.Type]; ok {
		return prec
	}
	return precedenceLowest
}

func (p *Parser) fail(tok Token, msg string) {
	if p.err == nil {
		p.err = ferrors.NewParseError(p.text, tok.Position, msg)
	}
}

// unexpected records an error for a token that cannot appear where it was found.
func (p *Parser) unexpected(tok Token) {
	switch tok.Type {
	case ILLEGAL:
		p.fail(tok, tok.Literal)
	case EOF:
		p.fail(tok, "unexpected end of formula")
	case RPAREN:
		p.fail(tok, "unbalanced closing bracket")
	default:
		p.fail(tok, fmt.Sprintf("unexpected %s", describe(tok)))
	}
}

func (p *Parser) parseExpression(precedence int) Node {
	left := p.parsePrefix()
	if p.err != nil {
		return nil
	}

	for !p.peekTokenIs(EOF) && precedence < p.peekPrecedence() {
		p.nextToken()
		left = p.parseInfix(left)
		if p.err != nil {
			return nil
		}
	}
	return left
}

func (p *Parser) parsePrefix() Node {
	tok := p.curToken
	switch tok.Type {
	case NUMBER:
		return p.parseNumber(tok)
	case IDENT, QUOTED:
		return Ref(tok.Literal)
	case MINUS:
		p.nextToken()
		operand := p.parseExpression(precedencePrefix)
		if p.err != nil {
			return nil
		}
		return Negate(operand)
	case LPAREN:
		return p.parseGrouped()
	}
	p.unexpected(tok)
	return nil
}

func (p *Parser) parseNumber(tok Token) Node {
	value, err := decimal.NewFromString(normalizeNumber(tok.Literal))
	if err != nil {
		p.fail(tok, "malformed number "+tok.Literal)
		return nil
	}
	return Number(value)
}

// parseGrouped parses a bracketed expression. The three bracket styles are
// interchangeable, including for matching an opening to a closing bracket.
func (p *Parser) parseGrouped() Node {
	open := p.curToken
	p.nextToken()
	inner := p.parseExpression(precedenceLowest)
	if p.err != nil {
		return nil
	}
	if !p.peekTokenIs(RPAREN) {
		if p.peekTokenIs(EOF) {
			p.fail(open, "unbalanced opening bracket")
		} else {
			p.nextToken()
			p.unexpected(p.curToken)
		}
		return nil
	}
	p.nextToken()
	return inner
}

func (p *Parser) parseInfix(left Node) Node {
	op, ok := infixOperators[p.curToken.Type]
	if !ok {
		p.unexpected(p.curToken)
		return nil
	}
	precedence := infixPrecedences[p.curToken.Type]
	p.nextToken()
	right := p.parseExpression(precedence)
	if p.err != nil {
		return nil
	}
	return Binary(op, left, right)
}

// normalizeNumber completes literals like ".5" and "11." so the decimal
// package accepts them.
func normalizeNumber(literal string) string {
	if strings.HasPrefix(literal, ".") {
		literal = "0" + literal
	}
	return strings.TrimSuffix(literal, ".")
}

func describe(tok Token) string {
	switch tok.Type {
	case IDENT, QUOTED:
		return fmt.Sprintf("property name %s", QuoteName(tok.Literal))
	case NUMBER:
		return "number " + tok.Literal
	}
	return fmt.Sprintf("%q", tok.Type.String())
}
