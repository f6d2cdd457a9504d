// SPDX-License-Identifier: Apache-2.0

// Package sqlsplit splits a SQL migration file into its constituent
// statements using the real Postgres grammar, and extracts the directive
// comments ("-- transactional: false", "-- depends: a b") that precede the
// first statement.
package sqlsplit

import (
	"fmt"
	"regexp"
	"strings"

	pgq "github.com/pganalyze/pg_query_go/v6"
)

// Directives holds the metadata parsed out of a migration's leading comment
// block.
type Directives struct {
	// Transactional is nil when the file carries no "transactional:"
	// directive; callers should default to true in that case.
	Transactional *bool
	Depends       []string
	// Leading is the decommented leading comment block, with the directive
	// lines themselves stripped out. Used as a migration's human-readable
	// description when one isn't otherwise supplied.
	Leading string
}

var directivePattern = regexp.MustCompile(`^\s*--\s*(transactional|depends)\s*:\s*(.*)$`)
var commentOrEmptyPattern = regexp.MustCompile(`^(\s*|\s*--.*)$`)

// Split parses sql into its individual statements using the Postgres
// grammar, trims surrounding whitespace, and drops empty statements. Unlike
// a naive semicolon split, this correctly handles semicolons embedded in
// string literals, dollar-quoted function bodies and comments.
func Split(sql string) ([]string, error) {
	result, err := pgq.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("sqlsplit: parse: %w", err)
	}

	stmts := make([]string, 0, len(result.GetStmts()))
	for _, raw := range result.GetStmts() {
		// Statement locations are byte offsets into the UTF-8 input.
		start := int(raw.GetStmtLocation())
		length := int(raw.GetStmtLen())
		end := start + length
		if length == 0 {
			end = len(sql)
		}
		if end > len(sql) {
			end = len(sql)
		}
		text := strings.TrimSpace(sql[start:end])
		if text != "" {
			stmts = append(stmts, text)
		}
	}
	return stmts, nil
}

// ExtractDirectives reads the directive comments leading the first statement
// in sql and returns them along with the SQL of that first statement with
// the directive/comment lines stripped. If sql has no leading comment or
// blank lines, the returned Directives is zero-valued and firstStmtSQL is
// returned unchanged (modulo lineending normalization).
func ExtractDirectives(firstStmtSQL string) (Directives, string) {
	lineEnding := "\n"
	if strings.Contains(firstStmtSQL, "\r\n") {
		lineEnding = "\r\n"
	}

	lines := strings.Split(firstStmtSQL, lineEnding)
	var directives Directives
	seenDepends := map[string]bool{}
	var leading []string
	var sqlLines []string

	for i, line := range lines {
		if m := directivePattern.FindStringSubmatch(line); m != nil {
			key, val := m[1], strings.TrimSpace(m[2])
			switch key {
			case "transactional":
				b := strings.EqualFold(val, "true")
				directives.Transactional = &b
			case "depends":
				for _, d := range strings.Fields(val) {
					if !seenDepends[d] {
						seenDepends[d] = true
						directives.Depends = append(directives.Depends, d)
					}
				}
			}
			continue
		}
		if commentOrEmptyPattern.MatchString(line) {
			decommented := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-"))
			leading = append(leading, decommented)
			continue
		}
		sqlLines = append(sqlLines, lines[i:]...)
		break
	}

	directives.Leading = strings.TrimSpace(strings.Join(leading, lineEnding))

	return directives, strings.Join(sqlLines, lineEnding)
}
