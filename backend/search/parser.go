// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package search parses the list query language: free text mixed with
// key:value filters such as venue:"Lord's", team:hawks or date:>=2025-01-01.
package search

import (
	"strings"
	"unicode"
)

// Operator defines the type of comparison for a filter.
type Operator string

const (
	OpEqual          Operator = "="
	OpGreater        Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpLess           Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpRange          Operator = ".." // date:2025-01..2025-02
)

// prefixOps is checked in order so that ">=" wins over ">".
var prefixOps = []Operator{OpGreaterOrEqual, OpLessOrEqual, OpGreater, OpLess}

// aliases maps alternative filter keys to their canonical names.
var aliases = map[string]string{
	"ground": "venue",
	"at":     "venue",
	"vs":     "team",
	"side":   "team",
	"on":     "date",
}

// Filter is one key:value criterion of a query.
type Filter struct {
	Key      string
	Value    string
	MaxValue string // OpRange only
	Operator Operator
}

// Query represents the parsed search query.
type Query struct {
	Filters  []Filter
	FreeText []string
}

// Parse splits input into filters and free text. Tokens are separated by
// white space outside quotes. A value holding an unquoted colon stays free
// text so that "12:00" is not read as a filter.
func Parse(input string) Query {
	q := Query{
		Filters:  make([]Filter, 0),
		FreeText: make([]string, 0),
	}
	for _, token := range tokenize(input) {
		f, ok := parseFilter(token)
		if !ok {
			q.FreeText = append(q.FreeText, unquote(token))
			continue
		}
		q.Filters = append(q.Filters, f)
	}
	return q
}

func parseFilter(token string) (Filter, bool) {
	key, val, found := strings.Cut(token, ":")
	if !found {
		return Filter{}, false
	}
	key = strings.ToLower(strings.TrimSpace(key))
	val = strings.TrimSpace(val)
	if key == "" || val == "" || strings.ContainsAny(key, "\"'") {
		return Filter{}, false
	}
	if strings.Contains(val, ":") && !isQuoted(val) {
		return Filter{}, false
	}
	if canonical, ok := aliases[key]; ok {
		key = canonical
	}

	if lo, hi, ok := strings.Cut(val, ".."); ok && !isQuoted(val) {
		return Filter{Key: key, Value: unquote(lo), MaxValue: unquote(hi), Operator: OpRange}, true
	}
	for _, op := range prefixOps {
		if rest, ok := strings.CutPrefix(val, string(op)); ok {
			return Filter{Key: key, Value: unquote(rest), Operator: op}, true
		}
	}
	return Filter{Key: key, Value: unquote(val), Operator: OpEqual}, true
}

// Lower returns a copy of q with free text and the values of the given
// keys lowercased.
func (q Query) Lower(keys ...string) Query {
	out := Query{
		Filters:  make([]Filter, len(q.Filters)),
		FreeText: make([]string, len(q.FreeText)),
	}
	for i, t := range q.FreeText {
		out.FreeText[i] = strings.ToLower(t)
	}
	for i, f := range q.Filters {
		for _, k := range keys {
			if f.Key == k {
				f.Value = strings.ToLower(f.Value)
				f.MaxValue = strings.ToLower(f.MaxValue)
			}
		}
		out.Filters[i] = f
	}
	return out
}

// MatchOrdered compares v with the filter value lexically. Equality is a
// prefix match so that date:2025-03 selects the whole month, and an
// inclusive range covers every value starting with its upper bound.
func (f Filter) MatchOrdered(v string) bool {
	switch f.Operator {
	case OpEqual:
		return strings.HasPrefix(v, f.Value)
	case OpGreater:
		return v > f.Value
	case OpGreaterOrEqual:
		return v >= f.Value
	case OpLess:
		return v < f.Value
	case OpLessOrEqual:
		return v <= f.Value || strings.HasPrefix(v, f.Value)
	case OpRange:
		return v >= f.Value && (v <= f.MaxValue || strings.HasPrefix(v, f.MaxValue))
	}
	return true
}

// tokenize splits the string by spaces, respecting quotes.
func tokenize(input string) []string {
	var (
		tokens []string
		cur    strings.Builder
		quote  rune
	)
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range input {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			cur.WriteRune(r)
		case unicode.IsSpace(r):
			flush()
		case r == '"' || r == '\'':
			quote = r
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

func isQuoted(s string) bool {
	return len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0]
}

func unquote(s string) string {
	if isQuoted(s) {
		return s[1 : len(s)-1]
	}
	return s
}
