package tmpl

import (
	"sort"
	"strings"
	"unicode"
)

var keywords = map[string]bool{
	"and": true, "or": true, "not": true, "in": true, "is": true,
	"true": true, "false": true, "True": true, "False": true,
	"none": true, "None": true, "nil": true,
	"if": true, "elif": true, "else": true, "endif": true,
	"for": true, "endfor": true, "empty": true, "set": true,
	"with": true, "endwith": true, "only": true, "as": true,
	"loop": true, "forloop": true, "reversed": true, "sorted": true,
	"defined": true, "undefined": true,
}

// ReferencedKeys returns the top-level variable names referenced by frecklet
// templates anywhere in v, in first-appearance order. Maps are walked in
// sorted key order so the result is deterministic.
func ReferencedKeys(v interface{}) []string {
	seen := map[string]bool{}
	var keys []string
	collect(v, func(k string) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	})
	return keys
}

// ReferencedKeySet returns ReferencedKeys as a set.
func ReferencedKeySet(v interface{}) map[string]bool {
	set := map[string]bool{}
	for _, k := range ReferencedKeys(v) {
		set[k] = true
	}
	return set
}

func collect(v interface{}, add func(string)) {
	switch val := v.(type) {
	case string:
		for _, k := range stringKeys(val) {
			add(k)
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			for _, kk := range stringKeys(k) {
				add(kk)
			}
			collect(val[k], add)
		}
	case []interface{}:
		for _, item := range val {
			collect(item, add)
		}
	}
}

// stringKeys extracts variable names from every `{{:: ::}}` and
// `{%:: ::%}` block of s.
func stringKeys(s string) []string {
	if !IsTemplate(s) {
		return nil
	}
	var keys []string
	locals := map[string]bool{}
	rest := s
	for {
		vi := strings.Index(rest, varOpen)
		bi := strings.Index(rest, blockOpen)
		if vi < 0 && bi < 0 {
			break
		}
		open, closing := varOpen, varClose
		idx := vi
		if vi < 0 || (bi >= 0 && bi < vi) {
			open, closing, idx = blockOpen, blockClose, bi
		}
		rest = rest[idx+len(open):]
		end := strings.Index(rest, closing)
		if end < 0 {
			break
		}
		body := rest[:end]
		rest = rest[end+len(closing):]

		isBlock := open == blockOpen
		for _, name := range expressionNames(body, isBlock, locals) {
			if !locals[name] {
				keys = append(keys, name)
			}
		}
	}
	return keys
}

// expressionNames tokenizes a template expression and returns identifiers
// that start a variable path. Identifiers introduced by `for x in` or
// `set x =` are recorded in locals.
func expressionNames(body string, isBlock bool, locals map[string]bool) []string {
	tokens := tokenize(body)
	var names []string

	if isBlock && len(tokens) > 0 {
		switch tokens[0].text {
		case "for":
			// for a, b in expr
			i := 1
			for ; i < len(tokens) && tokens[i].text != "in"; i++ {
				if tokens[i].ident {
					locals[tokens[i].text] = true
				}
			}
			tokens = tokens[i:]
		case "set":
			if len(tokens) > 1 && tokens[1].ident {
				locals[tokens[1].text] = true
				tokens = tokens[2:]
			}
		}
	}

	for i, tok := range tokens {
		if !tok.ident || keywords[tok.text] {
			continue
		}
		if i > 0 {
			prev := tokens[i-1].text
			// attribute access or filter / test name
			if prev == "." || prev == "|" || prev == "is" {
				continue
			}
		}
		// keyword argument name: f(x=1)
		if i+1 < len(tokens) && tokens[i+1].text == "=" && i > 0 && (tokens[i-1].text == "(" || tokens[i-1].text == ",") {
			continue
		}
		// function call on a builtin such as range(...)
		if i+1 < len(tokens) && tokens[i+1].text == "(" {
			continue
		}
		names = append(names, tok.text)
	}
	return names
}

type token struct {
	text  string
	ident bool
}

func tokenize(s string) []token {
	var tokens []token
	runes := []rune(s)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '"' || r == '\'':
			j := i + 1
			for j < len(runes) && runes[j] != r {
				if runes[j] == '\\' {
					j++
				}
				j++
			}
			tokens = append(tokens, token{text: "<str>"})
			i = j + 1
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_') {
				j++
			}
			tokens = append(tokens, token{text: string(runes[i:j]), ident: true})
			i = j
		case unicode.IsDigit(r):
			j := i
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.') {
				j++
			}
			tokens = append(tokens, token{text: "<num>"})
			i = j
		default:
			if i+1 < len(runes) && (string(runes[i:i+2]) == "==" || string(runes[i:i+2]) == "!=" ||
				string(runes[i:i+2]) == "<=" || string(runes[i:i+2]) == ">=") {
				tokens = append(tokens, token{text: string(runes[i : i+2])})
				i += 2
				continue
			}
			tokens = append(tokens, token{text: string(r)})
			i++
		}
	}
	return tokens
}
