package formula

import (
	"regexp"
	"strings"
)

// TokenType represents the type of a formula token.
type TokenType int

const (
	// EOF represents end of input.
	EOF TokenType = iota
	// ILLEGAL carries a lexing error message in its literal.
	ILLEGAL

	NUMBER // 12, 12.0, .012, 11.
	IDENT  // bare property name
	QUOTED // quoted property name, literal holds the unescaped name

	PLUS     // +
	MINUS    // -
	ASTERISK // *
	SLASH    // /
	LPAREN   // ( { [
	RPAREN   // ) } ]
)

var tokenNames = map[TokenType]string{
	EOF:      "end of formula",
	ILLEGAL:  "illegal token",
	NUMBER:   "number",
	IDENT:    "property name",
	QUOTED:   "property name",
	PLUS:     "+",
	MINUS:    "-",
	ASTERISK: "*",
	SLASH:    "/",
	LPAREN:   "opening bracket",
	RPAREN:   "closing bracket",
}

func (t TokenType) String() string {
	return tokenNames[t]
}

// Token represents a single formula token.
type Token struct {
	Type     TokenType
	Literal  string
	Position int
}

var numberPattern = regexp.MustCompile(`^(?:[0-9]+\.?[0-9]*|\.[0-9]+)$`)

// Lexer tokenizes formula text. It works on bytes; any byte that is not an
// operator, bracket, quote or whitespace (including UTF-8 continuation
// bytes) belongs to a property name.
type Lexer struct {
	input        string
	position     int  // current position in input (points to current char)
	readPosition int  // current reading position in input (after current char)
	ch           byte // current char under examination
}

// NewLexer creates a new lexer instance.
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input}
	l.readChar()
	return l
}

// readChar reads the next character and advances position.
func (l *Lexer) readChar() {
	if l.readPosition >= len(l.input) {
		l.ch = 0 // ASCII NUL represents "EOF"
	} else {
		l.ch = l.input[l.readPosition]
	}
	l.position = l.readPosition
	l.readPosition++
}

// peekChar returns the next character without advancing position.
func (l *Lexer) peekChar() byte {
	if l.readPosition >= len(l.input) {
		return 0
	}
	return l.input[l.readPosition]
}

func (l *Lexer) atEOF() bool {
	return l.position >= len(l.input)
}

// Offset returns the byte offset of the first character not yet consumed.
func (l *Lexer) Offset() int {
	return l.position
}

// NextToken scans the input and returns the next token.
func (l *Lexer) NextToken() Token {
	l.skipWhitespace()

	if l.atEOF() {
		return Token{Type: EOF, Position: l.position}
	}

	start := l.position
	var tok Token
	switch l.ch {
	case '+':
		tok = Token{Type: PLUS, Literal: "+", Position: start}
	case '-':
		tok = Token{Type: MINUS, Literal: "-", Position: start}
	case '*':
		tok = Token{Type: ASTERISK, Literal: "*", Position: start}
	case '/':
		tok = Token{Type: SLASH, Literal: "/", Position: start}
	case '(', '{', '[':
		tok = Token{Type: LPAREN, Literal: string(l.ch), Position: start}
	case ')', '}', ']':
		tok = Token{Type: RPAREN, Literal: string(l.ch), Position: start}
	case '\'', '"':
		return l.readQuoted()
	default:
		return l.readBare()
	}
	l.readChar()
	return tok
}

// readQuoted reads a quoted name. Inside the quotes a doubled quote
// character stands for one literal quote; the other quote character and
// backslashes have no special meaning. The closing quote is the first
// quote not followed by another, so adjacent quoted names stay separate.
func (l *Lexer) readQuoted() Token {
	quote := l.ch
	start := l.position
	var sb strings.Builder
	l.readChar()
	for {
		if l.atEOF() {
			return Token{Type: ILLEGAL, Literal: "unterminated quoted property name", Position: start}
		}
		if l.ch == quote {
			if l.peekChar() == quote {
				sb.WriteByte(quote)
				l.readChar()
				l.readChar()
				continue
			}
			l.readChar()
			break
		}
		sb.WriteByte(l.ch)
		l.readChar()
	}
	name := sb.String()
	if strings.TrimSpace(name) == "" {
		return Token{Type: ILLEGAL, Literal: "empty property name", Position: start}
	}
	return Token{Type: QUOTED, Literal: name, Position: start}
}

// readBare reads a run of name characters, which may contain inner
// whitespace. A run made only of digits, dots and whitespace must be a
// single well formed number.
func (l *Lexer) readBare() Token {
	start := l.position
	for !l.atEOF() && !isOperatorChar(l.ch) && !isQuoteChar(l.ch) {
		l.readChar()
	}
	literal := strings.TrimRight(l.input[start:l.position], " \t\r\n")

	if isNumericRun(literal) {
		if !numberPattern.MatchString(literal) {
			return Token{Type: ILLEGAL, Literal: "malformed number " + literal, Position: start}
		}
		return Token{Type: NUMBER, Literal: literal, Position: start}
	}
	return Token{Type: IDENT, Literal: literal, Position: start}
}

// skipWhitespace skips whitespace characters.
func (l *Lexer) skipWhitespace() {
	for !l.atEOF() && isWhitespace(l.ch) {
		l.readChar()
	}
}

// Tokenize returns every token of input up to and including EOF or the
// first ILLEGAL token.
func Tokenize(input string) []Token {
	l := NewLexer(input)
	var tokens []Token
	for {
		tok := l.NextToken()
		tokens = append(tokens, tok)
		if tok.Type == EOF || tok.Type == ILLEGAL {
			return tokens
		}
	}
}

func isNumericRun(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) && s[i] != '.' && !isWhitespace(s[i]) {
			return false
		}
	}
	return true
}

func isOperatorChar(ch byte) bool {
	switch ch {
	case '+', '-', '*', '/', '(', ')', '{', '}', '[', ']':
		return true
	}
	return false
}

func isQuoteChar(ch byte) bool {
	return ch == '\'' || ch == '"'
}

func isWhitespace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r'
}

func isDigit(ch byte) bool {
	return '0' <= ch && ch <= '9'
}
