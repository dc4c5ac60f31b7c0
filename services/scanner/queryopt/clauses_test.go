// Copyright (C) 2025 SentinelOps (security@sentinelops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queryopt

import (
	"testing"
)

func TestAndCondition(t *testing.T) {
	tests := []struct {
		name  string
		query string
		cond  string
		want  string
	}{
		{
			name:  "no where appends clause",
			query: "SELECT a FROM t",
			cond:  "x = 1",
			want:  "SELECT a FROM t WHERE x = 1",
		},
		{
			name:  "no where before order by",
			query: "SELECT a FROM t ORDER BY a",
			cond:  "x = 1",
			want:  "SELECT a FROM t WHERE x = 1 ORDER BY a",
		},
		{
			name:  "existing where body parenthesized",
			query: "SELECT a FROM t WHERE a = 1 OR b = 2",
			cond:  "x = 1",
			want:  "SELECT a FROM t WHERE x = 1 AND (a = 1 OR b = 2)",
		},
		{
			name:  "existing where preserves trailing limit",
			query: "SELECT a FROM t WHERE a = 1 OR b = 2 LIMIT 5",
			cond:  "x = 1",
			want:  "SELECT a FROM t WHERE x = 1 AND (a = 1 OR b = 2) LIMIT 5",
		},
		{
			name:  "trailing semicolon stripped",
			query: "SELECT a FROM t;",
			cond:  "x = 1",
			want:  "SELECT a FROM t WHERE x = 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := andCondition(tt.query, tt.cond); got != tt.want {
				t.Errorf("andCondition() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFirstTableRef(t *testing.T) {
	table, _, ok := firstTableRef("SELECT * FROM logs.cloudaudit_activity WHERE x = 1")
	if !ok {
		t.Fatal("expected a table reference")
	}
	if table != "logs.cloudaudit_activity" {
		t.Errorf("table = %q", table)
	}

	if _, _, ok := firstTableRef("not a query"); ok {
		t.Error("expected no table reference")
	}
}

func TestLimitValue(t *testing.T) {
	value, _, _, ok := limitValue("SELECT a FROM t LIMIT 250")
	if !ok || value != 250 {
		t.Errorf("limitValue() = %d, %v; want 250, true", value, ok)
	}

	if _, _, _, ok := limitValue("SELECT a FROM t"); ok {
		t.Error("expected no limit")
	}
}

func TestReferencesColumn(t *testing.T) {
	tests := []struct {
		query  string
		column string
		want   bool
	}{
		{"SELECT timestamp FROM t", "timestamp", true},
		{"SELECT a.timestamp FROM t a", "timestamp", true},
		{"SELECT timestamps FROM t", "timestamp", false},
		{"SELECT ts FROM t", "timestamp", false},
	}

	for _, tt := range tests {
		if got := referencesColumn(tt.query, tt.column); got != tt.want {
			t.Errorf("referencesColumn(%q, %q) = %v, want %v", tt.query, tt.column, got, tt.want)
		}
	}
}

func TestFirstAliasFor(t *testing.T) {
	alias, ok := firstAliasFor("SELECT a.timestamp FROM t a JOIN u b ON a.id = b.id", "timestamp")
	if !ok || alias != "a" {
		t.Errorf("firstAliasFor() = %q, %v; want a, true", alias, ok)
	}

	if _, ok := firstAliasFor("SELECT timestamp FROM t", "timestamp"); ok {
		t.Error("unqualified column should yield no alias")
	}
}

func TestRewritePrefixMatches(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{
			name:  "simple prefix",
			query: `log_name LIKE "cloudaudit%"`,
			want:  `log_name >= "cloudaudit" AND log_name < "cloudaudiu"`,
		},
		{
			name:  "single quotes",
			query: `log_name LIKE 'abc%'`,
			want:  `log_name >= 'abc' AND log_name < 'abd'`,
		},
		{
			name:  "interior wildcard untouched",
			query: `log_name LIKE "a%b%"`,
			want:  `log_name LIKE "a%b%"`,
		},
		{
			name:  "non-prefix pattern untouched",
			query: `log_name LIKE "%suffix"`,
			want:  `log_name LIKE "%suffix"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rewritePrefixMatches(tt.query, "log_name"); got != tt.want {
				t.Errorf("rewritePrefixMatches() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPrefixUpperBound(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
		ok     bool
	}{
		{"abc", "abd", true},
		{"a", "b", true},
		{"az", "a{", true},
		{"a\xff", "b", true},
		{"\xff\xff", "", false},
	}

	for _, tt := range tests {
		got, ok := prefixUpperBound(tt.prefix)
		if got != tt.want || ok != tt.ok {
			t.Errorf("prefixUpperBound(%q) = %q, %v; want %q, %v", tt.prefix, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseTimeLiteral(t *testing.T) {
	tests := []struct {
		literal string
		ok      bool
	}{
		{"2025-06-01 10:00:00", true},
		{"2025-06-01T10:00:00Z", true},
		{"2025-06-01T10:00:00", true},
		{"not a time", false},
	}

	for _, tt := range tests {
		if _, ok := parseTimeLiteral(tt.literal); ok != tt.ok {
			t.Errorf("parseTimeLiteral(%q) ok = %v, want %v", tt.literal, ok, tt.ok)
		}
	}
}
