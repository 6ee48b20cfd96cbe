package pipeline

// ============================================================================
// 過濾運算式 (Filter Expression)
// ============================================================================
//
// 語法（優先順序由低到高）:
//   expr    := or
//   or      := and { ("||" | OR) and }
//   and     := unary { ("&&" | AND) unary }
//   unary   := ("!" | NOT) unary | primary
//   primary := "(" expr ")"
//            | func "(" path [ "," literal ] ")"
//            | path op literal
//            | path IN "[" literal { "," literal } "]"
//   op      := "==" | "=" | "!=" | ">" | ">=" | "<" | "<="
//
// 例如:
//   severity == 'high' && priority > 5
//   status in ['open', 'pending'] OR !is_null(owner)
//   contains(file.path, 'src/') AND length(tags, 2)
//
// 解析在 job 開始前完成，語法錯誤、未知函式或無效的正規表示式都會讓 job 直接失敗。

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Filter 編譯後的過濾運算式
type Filter struct {
	source string
	root   node
}

// String 原始運算式
func (f *Filter) String() string { return f.source }

// Match 判斷項目是否符合條件
func (f *Filter) Match(item interface{}) bool {
	return f.root.eval(item)
}

// ParseFilter 解析過濾運算式
func ParseFilter(expr string) (*Filter, error) {
	tokens, err := lex(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidFilter, expr, err)
	}
	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidFilter, expr, err)
	}
	if !p.done() {
		return nil, fmt.Errorf("%w: %q: unexpected %q", ErrInvalidFilter, expr, p.peek().text)
	}
	return &Filter{source: expr, root: root}, nil
}

// ============================================================================
// AST
// ============================================================================

type node interface {
	eval(item interface{}) bool
}

type andNode struct{ left, right node }
type orNode struct{ left, right node }
type notNode struct{ inner node }

type compareNode struct {
	path  []pathPart
	op    string
	value interface{}
}

type inNode struct {
	path   []pathPart
	values []interface{}
}

type funcNode struct {
	name string
	path []pathPart
	arg  interface{}
	re   *regexp.Regexp
}

func (n andNode) eval(item interface{}) bool { return n.left.eval(item) && n.right.eval(item) }
func (n orNode) eval(item interface{}) bool  { return n.left.eval(item) || n.right.eval(item) }
func (n notNode) eval(item interface{}) bool { return !n.inner.eval(item) }

func (n compareNode) eval(item interface{}) bool {
	actual, exists := lookup(item, n.path)
	switch n.op {
	case "==":
		return equalsWithNull(actual, exists, n.value)
	case "!=":
		return !equalsWithNull(actual, exists, n.value)
	}
	if !exists {
		return false
	}

	var c int
	if af, ok := toFloat(actual); ok {
		ef, ok := toFloat(n.value)
		if !ok {
			return false
		}
		switch {
		case af < ef:
			c = -1
		case af > ef:
			c = 1
		}
	} else {
		as, ok1 := actual.(string)
		es, ok2 := n.value.(string)
		if !ok1 || !ok2 {
			return false
		}
		c = strings.Compare(as, es)
	}

	switch n.op {
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	}
	return false
}

// equalsWithNull 欄位不存在或明確為 null 都等於 null
func equalsWithNull(actual interface{}, exists bool, expected interface{}) bool {
	if expected == nil {
		return !exists || actual == nil
	}
	return exists && valuesEqual(actual, expected)
}

func (n inNode) eval(item interface{}) bool {
	actual, exists := lookup(item, n.path)
	if !exists {
		return false
	}
	for _, v := range n.values {
		if valuesEqual(actual, v) {
			return true
		}
	}
	return false
}

func (n funcNode) eval(item interface{}) bool {
	v, exists := lookup(item, n.path)
	switch n.name {
	case "is_null":
		return exists && v == nil
	case "is_not_null":
		return exists && v != nil
	}
	if !exists {
		return false
	}

	switch n.name {
	case "is_number":
		return isNumber(v)
	case "is_string":
		_, ok := v.(string)
		return ok
	case "is_bool":
		_, ok := v.(bool)
		return ok
	case "is_array":
		_, ok := v.([]interface{})
		return ok
	case "is_object":
		_, ok := v.(map[string]interface{})
		return ok
	case "length":
		want, ok := toFloat(n.arg)
		if !ok {
			return false
		}
		switch x := v.(type) {
		case string:
			return float64(len(x)) == want
		case []interface{}:
			return float64(len(x)) == want
		case map[string]interface{}:
			return float64(len(x)) == want
		}
		return false
	}

	s, ok := v.(string)
	if !ok {
		return false
	}
	arg := fmt.Sprint(n.arg)
	switch n.name {
	case "contains":
		return strings.Contains(s, arg)
	case "starts_with":
		return strings.HasPrefix(s, arg)
	case "ends_with":
		return strings.HasSuffix(s, arg)
	case "matches":
		return n.re.MatchString(s)
	}
	return false
}

// functionArity 支援的函式與其參數數量（不含欄位路徑）
var functionArity = map[string]int{
	"contains":    1,
	"starts_with": 1,
	"ends_with":   1,
	"matches":     1,
	"length":      1,
	"is_null":     0,
	"is_not_null": 0,
	"is_number":   0,
	"is_string":   0,
	"is_bool":     0,
	"is_array":    0,
	"is_object":   0,
}

// ============================================================================
// 詞法分析
// ============================================================================

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
)

type token struct {
	kind tokenKind
	text string
}

func lex(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			tokens = append(tokens, token{tokLParen, "("})
			i++
		case c == ')':
			tokens = append(tokens, token{tokRParen, ")"})
			i++
		case c == '[':
			tokens = append(tokens, token{tokLBracket, "["})
			i++
		case c == ']':
			tokens = append(tokens, token{tokRBracket, "]"})
			i++
		case c == ',':
			tokens = append(tokens, token{tokComma, ","})
			i++
		case c == '\'' || c == '"':
			end := strings.IndexByte(src[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			tokens = append(tokens, token{tokString, src[i+1 : i+1+end]})
			i += end + 2
		case strings.HasPrefix(src[i:], "&&"), strings.HasPrefix(src[i:], "||"),
			strings.HasPrefix(src[i:], "=="), strings.HasPrefix(src[i:], "!="),
			strings.HasPrefix(src[i:], ">="), strings.HasPrefix(src[i:], "<="):
			tokens = append(tokens, token{tokOp, src[i : i+2]})
			i += 2
		case c == '>' || c == '<' || c == '!':
			tokens = append(tokens, token{tokOp, string(c)})
			i++
		case c == '=':
			tokens = append(tokens, token{tokOp, "=="})
			i++
		case c == '-' || (c >= '0' && c <= '9'):
			j := i + 1
			for j < len(src) && (isDigit(src[j]) || src[j] == '.' || src[j] == 'e' || src[j] == 'E' ||
				((src[j] == '-' || src[j] == '+') && (src[j-1] == 'e' || src[j-1] == 'E'))) {
				j++
			}
			tokens = append(tokens, token{tokNumber, src[i:j]})
			i = j
		case isIdentStart(c):
			j := i
			for j < len(src) {
				if isIdentPart(src[j]) {
					j++
					continue
				}
				// 路徑中的陣列索引，例如 tags[0]
				if src[j] == '[' {
					end := strings.IndexByte(src[j:], ']')
					if end > 1 && allDigits(src[j+1:j+end]) {
						j += end + 1
						continue
					}
				}
				break
			}
			tokens = append(tokens, token{tokIdent, src[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	return tokens, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return s != ""
}

// isIdentStart 以位元組判斷；>= 0x80 的位元組屬於 UTF-8 多位元組字元，一律視為名稱的一部分
func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '.' || c == '-'
}

// ============================================================================
// 語法分析
// ============================================================================

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) done() bool { return p.pos >= len(p.tokens) }

func (p *parser) peek() token {
	if p.done() {
		return token{kind: -1, text: "<end>"}
	}
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	if !p.done() {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, fmt.Errorf("expected %s, got %q", what, t.text)
	}
	return t, nil
}

// isKeyword 不分大小寫比對關鍵字（AND / OR / NOT / IN）
func (p *parser) isKeyword(word string) bool {
	t := p.peek()
	return t.kind == tokIdent && strings.EqualFold(t.text, word)
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for (p.peek().kind == tokOp && p.peek().text == "||") || p.isKeyword("or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for (p.peek().kind == tokOp && p.peek().text == "&&") || p.isKeyword("and") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if (p.peek().kind == tokOp && p.peek().text == "!") || p.isKeyword("not") {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	if t.kind == tokLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	}

	ident, err := p.expect(tokIdent, "field or function")
	if err != nil {
		return nil, err
	}

	if p.peek().kind == tokLParen {
		return p.parseFunction(ident.text)
	}

	path := parsePath(ident.text)

	if p.isKeyword("in") {
		p.next()
		values, err := p.parseList()
		if err != nil {
			return nil, err
		}
		return inNode{path: path, values: values}, nil
	}

	op := p.next()
	if op.kind != tokOp || op.text == "&&" || op.text == "||" || op.text == "!" {
		return nil, fmt.Errorf("expected comparison operator after %q, got %q", ident.text, op.text)
	}
	value, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return compareNode{path: path, op: op.text, value: value}, nil
}

func (p *parser) parseFunction(name string) (node, error) {
	arity, ok := functionArity[name]
	if !ok {
		return nil, fmt.Errorf("unknown function %q", name)
	}
	p.next() // (

	field, err := p.expect(tokIdent, "field path")
	if err != nil {
		return nil, err
	}
	fn := funcNode{name: name, path: parsePath(field.text)}

	if arity == 1 {
		if _, err := p.expect(tokComma, "','"); err != nil {
			return nil, err
		}
		arg, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		fn.arg = arg
		if name == "matches" {
			re, err := regexp.Compile(fmt.Sprint(arg))
			if err != nil {
				return nil, fmt.Errorf("invalid regex %q: %v", arg, err)
			}
			fn.re = re
		}
	}

	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return fn, nil
}

func (p *parser) parseList() ([]interface{}, error) {
	if _, err := p.expect(tokLBracket, "'['"); err != nil {
		return nil, err
	}
	var values []interface{}
	if p.peek().kind == tokRBracket {
		p.next()
		return values, nil
	}
	for {
		v, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		t := p.next()
		if t.kind == tokRBracket {
			return values, nil
		}
		if t.kind != tokComma {
			return nil, fmt.Errorf("expected ',' or ']' in list, got %q", t.text)
		}
	}
}

// parseLiteral 字串、數字、true/false/null；其他裸字視為字串
func (p *parser) parseLiteral() (interface{}, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return t.text, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.text)
		}
		return f, nil
	case tokIdent:
		switch t.text {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null":
			return nil, nil
		}
		return t.text, nil
	default:
		return nil, fmt.Errorf("expected value, got %q", t.text)
	}
}
