// Copyright (C) 2025 SentinelOps (security@sentinelops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queryopt

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Clause location is deliberately "parsed enough": word-boundary regular
// expressions over the query text rather than a SQL grammar. This matches
// the guarantees the rewrite pipeline actually makes. It assumes the input
// is syntactically valid for the target engine and that clause keywords do
// not appear inside string literals in pathological positions.

var (
	whereRe          = regexp.MustCompile(`(?i)\bWHERE\b`)
	fromTableRe      = regexp.MustCompile("(?i)\\bFROM\\s+([`\\w.\\-]+)")
	limitRe          = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)`)
	selectStarRe     = regexp.MustCompile(`(?i)\bSELECT\s+(?:DISTINCT\s+)?\*`)
	clauseBoundaryRe = regexp.MustCompile(`(?i)\b(GROUP\s+BY|ORDER\s+BY|HAVING|WINDOW|LIMIT)\b`)
	tableSampleRe    = regexp.MustCompile(`(?i)\bTABLESAMPLE\b`)
	joinRe           = regexp.MustCompile(`(?i)\bJOIN\b`)
)

// whereBodyBounds locates the body of the first WHERE clause: the index
// just past the keyword and the index of the clause's end (the next
// top-level boundary keyword, or end of query).
func whereBodyBounds(query string) (bodyStart, bodyEnd int, ok bool) {
	loc := whereRe.FindStringIndex(query)
	if loc == nil {
		return 0, 0, false
	}
	bodyStart = loc[1]
	bodyEnd = len(query)
	if b := clauseBoundaryRe.FindStringIndex(query[bodyStart:]); b != nil {
		bodyEnd = bodyStart + b[0]
	}
	return bodyStart, bodyEnd, true
}

// andCondition adds cond as a new top-level AND-ed restriction.
//
// With an existing WHERE, the original body is parenthesized so caller
// predicates keep their own grouping:
//
//	WHERE a OR b      ->  WHERE cond AND (a OR b)
//
// Without one, a WHERE clause is inserted before the first trailing
// boundary keyword (or appended). Existing predicates are never removed.
func andCondition(query, cond string) string {
	if bodyStart, bodyEnd, ok := whereBodyBounds(query); ok {
		body := strings.TrimSpace(query[bodyStart:bodyEnd])
		var tail string
		if bodyEnd < len(query) {
			tail = " " + strings.TrimLeft(query[bodyEnd:], " ")
		}
		return query[:bodyStart] + " " + cond + " AND (" + body + ")" + tail
	}

	if b := clauseBoundaryRe.FindStringIndex(query); b != nil {
		return query[:b[0]] + "WHERE " + cond + " " + query[b[0]:]
	}
	return strings.TrimRight(query, " \t\n;") + " WHERE " + cond
}

// firstTableRef returns the first FROM table reference and the index just
// past it.
func firstTableRef(query string) (table string, end int, ok bool) {
	m := fromTableRe.FindStringSubmatchIndex(query)
	if m == nil {
		return "", 0, false
	}
	return query[m[2]:m[3]], m[3], true
}

// limitValue returns the first LIMIT value and its span within the query.
func limitValue(query string) (value, start, end int, ok bool) {
	m := limitRe.FindStringSubmatchIndex(query)
	if m == nil {
		return 0, 0, 0, false
	}
	n, err := strconv.Atoi(query[m[2]:m[3]])
	if err != nil {
		return 0, 0, 0, false
	}
	return n, m[0], m[3], true
}

// referencesColumn reports whether the query mentions the column as a
// whole word (optionally alias-qualified).
func referencesColumn(query, column string) bool {
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(column) + `\b`)
	return re.MatchString(query)
}

// firstAliasFor returns the first alias qualifying the column, if the
// column only ever appears qualified ("a.timestamp").
func firstAliasFor(query, column string) (string, bool) {
	re := regexp.MustCompile(`(?i)\b(\w+)\.` + regexp.QuoteMeta(column) + `\b`)
	m := re.FindStringSubmatch(query)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// rewritePrefixMatches converts prefix-style wildcard matches on a column
// into half-open range comparisons that clustered storage can prune:
//
//	col LIKE "abc%"  ->  col >= "abc" AND col < "abd"
//
// Patterns with interior wildcards or empty prefixes are left alone.
func rewritePrefixMatches(query, column string) string {
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(column) + `\s+LIKE\s+(['"])([^'"%_]+)%['"]`)
	return re.ReplaceAllStringFunc(query, func(match string) string {
		m := re.FindStringSubmatch(match)
		quote, prefix := m[1], m[2]
		upper, ok := prefixUpperBound(prefix)
		if !ok {
			return match
		}
		return fmt.Sprintf("%s >= %s%s%s AND %s < %s%s%s",
			column, quote, prefix, quote,
			column, quote, upper, quote)
	})
}

// prefixUpperBound returns the smallest string greater than every string
// with the given prefix, by incrementing the final byte.
func prefixUpperBound(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}

// timestampEqualityRe matches exact equality against a TIMESTAMP literal
// on the given column: col = TIMESTAMP("...").
func timestampEqualityRe(column string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(column) +
		`\s*=\s*TIMESTAMP\((['"])([^'"]+)['"]\)`)
}

// parseTimeLiteral parses a timestamp literal in any recognized layout.
func parseTimeLiteral(literal string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, literal); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// layoutOf returns the layout matching the literal, defaulting to the
// canonical "2006-01-02 15:04:05" form.
func layoutOf(literal string) string {
	for _, layout := range timeLayouts {
		if _, err := time.Parse(layout, literal); err == nil {
			return layout
		}
	}
	return timeLayouts[0]
}
