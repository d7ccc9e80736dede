package coretest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/woxQAQ/docbridge/pkg/protocol"
)

// The test core speaks a small block language:
//
//	app {
//	  name: "orbit"
//	  features: ["parser", "runtime"]
//	  limits { depth: 3 }
//	}
//
// ASTs cross the boundary as JSON objects with a "type" field.

const (
	KindSyntax = "SyntaxError"
	KindEval   = "EvalError"
	KindValue  = "ValueError"
)

type tokenType int

const (
	tokEOF tokenType = iota
	tokIdent
	tokString
	tokNumber
	tokPunct
)

type token struct {
	typ   tokenType
	text  string
	start int
	end   int
}

type langError struct {
	payload protocol.ErrorPayload
}

func (e *langError) Error() string {
	return e.payload.Kind + ": " + e.payload.Message
}

func errorAt(kind string, start, end int, format string, args ...any) *langError {
	return &langError{payload: protocol.ErrorPayload{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Span:    protocol.Span{Start: uint32(start), End: uint32(end)},
	}}
}

func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case strings.IndexByte("{}[]:,", c) >= 0:
			toks = append(toks, token{typ: tokPunct, text: string(c), start: i, end: i + 1})
			i++
		case c == '"':
			start := i
			var b strings.Builder
			i++
			for {
				if i >= len(src) {
					return nil, errorAt(KindSyntax, start, len(src), "unterminated string")
				}
				if src[i] == '"' {
					i++
					break
				}
				if src[i] == '\\' && i+1 < len(src) {
					switch src[i+1] {
					case 'n':
						b.WriteByte('\n')
					case 't':
						b.WriteByte('\t')
					default:
						b.WriteByte(src[i+1])
					}
					i += 2
					continue
				}
				b.WriteByte(src[i])
				i++
			}
			toks = append(toks, token{typ: tokString, text: b.String(), start: start, end: i})
		case c == '-' || (c >= '0' && c <= '9'):
			start := i
			i++
			for i < len(src) && (src[i] == '.' || (src[i] >= '0' && src[i] <= '9')) {
				i++
			}
			toks = append(toks, token{typ: tokNumber, text: src[start:i], start: start, end: i})
		case isIdentStart(c):
			start := i
			for i < len(src) && (isIdentStart(src[i]) || src[i] == '-' || (src[i] >= '0' && src[i] <= '9')) {
				i++
			}
			toks = append(toks, token{typ: tokIdent, text: src[start:i], start: start, end: i})
		default:
			return nil, errorAt(KindSyntax, i, i+1, "unexpected character %q", c)
		}
	}
	return append(toks, token{typ: tokEOF, start: len(src), end: len(src)}), nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.typ != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(punct string) (token, error) {
	t := p.next()
	if t.typ != tokPunct || t.text != punct {
		return t, unexpected(t, "'"+punct+"'")
	}
	return t, nil
}

func unexpected(t token, want string) *langError {
	if t.typ == tokEOF {
		return errorAt(KindSyntax, t.start, t.end, "unexpected end of input, expected %s", want)
	}
	return errorAt(KindSyntax, t.start, t.end, "unexpected %q, expected %s", t.text, want)
}

func span(start, end int) map[string]any {
	return map[string]any{"start": float64(start), "end": float64(end)}
}

// parseDocument parses src into an AST. With recovery, syntax errors are collected and
// the entries parsed before the first error are kept.
func parseDocument(src string, recovery bool) (map[string]any, []protocol.ErrorPayload, error) {
	doc := map[string]any{"type": "Document", "body": []any{}, "span": span(0, len(src))}

	toks, err := tokenize(src)
	if err != nil {
		if !recovery {
			return nil, nil, err
		}
		return doc, []protocol.ErrorPayload{err.(*langError).payload}, nil
	}

	p := &parser{toks: toks}
	var body []any
	var errs []protocol.ErrorPayload
	for p.peek().typ != tokEOF {
		entry, err := p.entry()
		if err != nil {
			if !recovery {
				return nil, nil, err
			}
			errs = append(errs, err.(*langError).payload)
			break
		}
		body = append(body, entry)
	}
	if body != nil {
		doc["body"] = body
	}
	return doc, errs, nil
}

func (p *parser) entry() (map[string]any, error) {
	key := p.next()
	if key.typ != tokIdent {
		return nil, unexpected(key, "identifier")
	}

	var value map[string]any
	var err error
	if t := p.peek(); t.typ == tokPunct && t.text == ":" {
		p.next()
		value, err = p.value()
	} else {
		value, err = p.block()
	}
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"type":  "Entry",
		"key":   key.text,
		"value": value,
		"span":  span(key.start, key.end),
	}, nil
}

func (p *parser) block() (map[string]any, error) {
	open, err := p.expect("{")
	if err != nil {
		return nil, err
	}
	entries := []any{}
	for {
		t := p.peek()
		if t.typ == tokPunct && t.text == "}" {
			p.next()
			return map[string]any{"type": "Object", "entries": entries, "span": span(open.start, t.end)}, nil
		}
		if t.typ == tokEOF {
			return nil, unexpected(t, "'}'")
		}
		e, err := p.entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
}

func (p *parser) array() (map[string]any, error) {
	open, err := p.expect("[")
	if err != nil {
		return nil, err
	}
	items := []any{}
	for {
		t := p.peek()
		switch {
		case t.typ == tokPunct && t.text == "]":
			p.next()
			return map[string]any{"type": "Array", "items": items, "span": span(open.start, t.end)}, nil
		case t.typ == tokPunct && t.text == ",":
			p.next()
			continue
		case t.typ == tokEOF:
			return nil, unexpected(t, "']'")
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
}

func (p *parser) value() (map[string]any, error) {
	t := p.peek()
	switch t.typ {
	case tokString:
		p.next()
		return map[string]any{"type": "String", "value": t.text}, nil
	case tokNumber:
		p.next()
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, errorAt(KindSyntax, t.start, t.end, "invalid number %q", t.text)
		}
		return map[string]any{"type": "Number", "value": n}, nil
	case tokIdent:
		switch t.text {
		case "true", "false":
			p.next()
			return map[string]any{"type": "Boolean", "value": t.text == "true"}, nil
		case "null":
			p.next()
			return map[string]any{"type": "Null"}, nil
		}
	case tokPunct:
		switch t.text {
		case "{":
			return p.block()
		case "[":
			return p.array()
		}
	}
	p.next()
	return nil, unexpected(t, "value")
}

// evaluate turns an AST into a runtime value.
func evaluate(node any) (any, error) {
	n, ok := node.(map[string]any)
	if !ok {
		return nil, errorAt(KindEval, 0, 0, "expected AST node, got %T", node)
	}

	switch n["type"] {
	case "Document":
		return evalEntries(n["body"])
	case "Object":
		return evalEntries(n["entries"])
	case "Array":
		items, _ := n["items"].([]any)
		out := make([]any, 0, len(items))
		for _, it := range items {
			v, err := evaluate(it)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case "String", "Number", "Boolean":
		return n["value"], nil
	case "Null":
		return nil, nil
	default:
		return nil, errorAt(KindEval, 0, 0, "unknown node type %v", n["type"])
	}
}

func evalEntries(raw any) (any, error) {
	entries, _ := raw.([]any)
	out := make(map[string]any, len(entries))
	for _, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok || entry["type"] != "Entry" {
			return nil, errorAt(KindEval, 0, 0, "expected entry node")
		}
		key, _ := entry["key"].(string)
		if _, dup := out[key]; dup {
			start, end := spanOf(entry)
			return nil, errorAt(KindEval, start, end, "duplicate key %q", key)
		}
		v, err := evaluate(entry["value"])
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

func spanOf(node map[string]any) (int, int) {
	s, _ := node["span"].(map[string]any)
	start, _ := s["start"].(float64)
	end, _ := s["end"].(float64)
	return int(start), int(end)
}
