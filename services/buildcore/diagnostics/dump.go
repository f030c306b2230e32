// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagnostics

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianBuild/services/buildcore/rulekey"
)

const (
	nullToken      = "null"
	nodeLineFields = 10
	maxLineBytes   = 1 << 20
)

var tokenEscaper = strings.NewReplacer(
	"%", "%25",
	" ", "%20",
	"\t", "%09",
	"\n", "%0A",
	"\r", "%0D",
)

// whitespaceEscaper keeps key log diagnostics on one token without touching
// the percent escapes the key builder already applied.
var whitespaceEscaper = strings.NewReplacer(
	" ", "%20",
	"\t", "%09",
	"\n", "%0A",
	"\r", "%0D",
)

// escapeToken makes s safe as a single space-separated token. A literal
// "null" is escaped so it never reads as the absent marker.
func escapeToken(s string) string {
	if s == nullToken {
		return "%6Eull"
	}
	return tokenEscaper.Replace(s)
}

func unescapeToken(s string) (string, error) {
	return url.PathUnescape(s)
}

func keyToken(k rulekey.RuleKey) string {
	if k.IsZero() {
		return nullToken
	}
	return k.String()
}

func parseKeyToken(tok string) (rulekey.RuleKey, error) {
	if tok == nullToken {
		return rulekey.RuleKey{}, nil
	}
	return rulekey.ParseRuleKey(tok)
}

// WriteGraphDump writes d in graph dump format.
//
// Description:
//
//	Writes the node count, one line per node in slice order, the edge
//	count, then one line per edge. Target and type are escaped so that
//	each occupies one token.
//
// Outputs:
//
//	error - ErrInvalidNode for nodes with an empty target or type, or a
//	        zero default key; otherwise the first write error.
func WriteGraphDump(w io.Writer, d *GraphDump) error {
	bw := bufio.NewWriter(w)

	if _, err := fmt.Fprintf(bw, "%d\n", len(d.Nodes)); err != nil {
		return err
	}
	for _, n := range d.Nodes {
		if n.Target == "" || n.Type == "" {
			return fmt.Errorf("%w: node %d has an empty target or type", ErrInvalidNode, n.ID)
		}
		if n.DefaultKey.IsZero() {
			return fmt.Errorf("%w: node %d (%s) has no default key", ErrInvalidNode, n.ID, n.Target)
		}
		output := nullToken
		if n.OutputHash != "" {
			output = escapeToken(n.OutputHash)
		}
		_, err := fmt.Fprintf(bw, "%d %d %s %s %s %s %s %s %s %s\n",
			n.ID,
			n.Duration.Nanoseconds(),
			escapeToken(n.Type),
			escapeToken(n.Target),
			boolToken(n.Cacheable),
			n.DefaultKey.String(),
			keyToken(n.InputKey),
			keyToken(n.DepFileKey),
			keyToken(n.ManifestKey),
			output,
		)
		if err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(bw, "%d\n", len(d.Edges)); err != nil {
		return err
	}
	for _, e := range d.Edges {
		if _, err := fmt.Fprintf(bw, "%d %d\n", e.From, e.To); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func boolToken(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// ParseGraphDump reads a graph dump written by WriteGraphDump.
//
// Edges must reference declared node IDs and node IDs must be unique.
// Trailing blank lines are allowed; any other trailing content is an error.
func ParseGraphDump(r io.Reader) (*GraphDump, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0

	next := func() (string, error) {
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return "", &DumpParseError{Line: line + 1, Err: err}
			}
			return "", &DumpParseError{Line: line + 1, Err: io.ErrUnexpectedEOF}
		}
		line++
		return sc.Text(), nil
	}

	header, err := next()
	if err != nil {
		return nil, err
	}
	n, err := parseCount(header)
	if err != nil {
		return nil, &DumpParseError{Line: line, Err: fmt.Errorf("node count: %w", err)}
	}

	d := &GraphDump{Nodes: make([]DumpNode, 0, n)}
	ids := make(map[int]bool, n)
	for i := 0; i < n; i++ {
		text, err := next()
		if err != nil {
			return nil, err
		}
		node, err := parseNodeLine(text)
		if err != nil {
			return nil, &DumpParseError{Line: line, Err: err}
		}
		if ids[node.ID] {
			return nil, &DumpParseError{Line: line, Err: fmt.Errorf("duplicate node id %d", node.ID)}
		}
		ids[node.ID] = true
		d.Nodes = append(d.Nodes, node)
	}

	header, err = next()
	if err != nil {
		return nil, err
	}
	m, err := parseCount(header)
	if err != nil {
		return nil, &DumpParseError{Line: line, Err: fmt.Errorf("edge count: %w", err)}
	}

	d.Edges = make([]Edge, 0, m)
	for i := 0; i < m; i++ {
		text, err := next()
		if err != nil {
			return nil, err
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, &DumpParseError{Line: line, Err: fmt.Errorf("edge has %d fields, want 2", len(fields))}
		}
		from, err1 := strconv.Atoi(fields[0])
		to, err2 := strconv.Atoi(fields[1])
		if err := errors.Join(err1, err2); err != nil {
			return nil, &DumpParseError{Line: line, Err: err}
		}
		if !ids[from] || !ids[to] {
			return nil, &DumpParseError{Line: line, Err: fmt.Errorf("edge %d -> %d references an unknown node", from, to)}
		}
		d.Edges = append(d.Edges, Edge{From: from, To: to})
	}

	for sc.Scan() {
		line++
		if strings.TrimSpace(sc.Text()) != "" {
			return nil, &DumpParseError{Line: line, Err: errors.New("unexpected content after edges")}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &DumpParseError{Line: line + 1, Err: err}
	}
	return d, nil
}

func parseCount(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative count %d", n)
	}
	return n, nil
}

func parseNodeLine(text string) (DumpNode, error) {
	f := strings.Fields(text)
	if len(f) != nodeLineFields {
		return DumpNode{}, fmt.Errorf("node has %d fields, want %d", len(f), nodeLineFields)
	}

	var (
		node DumpNode
		err  error
	)
	if node.ID, err = strconv.Atoi(f[0]); err != nil {
		return DumpNode{}, fmt.Errorf("id: %w", err)
	}
	ns, err := strconv.ParseInt(f[1], 10, 64)
	if err != nil {
		return DumpNode{}, fmt.Errorf("duration: %w", err)
	}
	node.Duration = time.Duration(ns)
	if node.Type, err = unescapeToken(f[2]); err != nil {
		return DumpNode{}, fmt.Errorf("type: %w", err)
	}
	if node.Target, err = unescapeToken(f[3]); err != nil {
		return DumpNode{}, fmt.Errorf("target: %w", err)
	}
	switch f[4] {
	case "0":
	case "1":
		node.Cacheable = true
	default:
		return DumpNode{}, fmt.Errorf("cacheable must be 0 or 1, got %q", f[4])
	}
	if node.DefaultKey, err = rulekey.ParseRuleKey(f[5]); err != nil {
		return DumpNode{}, fmt.Errorf("default key: %w", err)
	}
	if node.InputKey, err = parseKeyToken(f[6]); err != nil {
		return DumpNode{}, fmt.Errorf("input key: %w", err)
	}
	if node.DepFileKey, err = parseKeyToken(f[7]); err != nil {
		return DumpNode{}, fmt.Errorf("dep file key: %w", err)
	}
	if node.ManifestKey, err = parseKeyToken(f[8]); err != nil {
		return DumpNode{}, fmt.Errorf("manifest key: %w", err)
	}
	if f[9] != nullToken {
		if node.OutputHash, err = unescapeToken(f[9]); err != nil {
			return DumpNode{}, fmt.Errorf("output hash: %w", err)
		}
	}
	return node, nil
}

// formatKeyLine renders one key log line.
func formatKeyLine(key rulekey.RuleKey, diagnostic string) string {
	return key.String() + " " + whitespaceEscaper.Replace(diagnostic) + "\n"
}

// ParseKeyLog reads every entry of a key log. Diagnostics are returned as
// written.
func ParseKeyLog(r io.Reader) ([]KeyLogEntry, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var out []KeyLogEntry
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if text == "" {
			continue
		}
		keyTok, diag, ok := strings.Cut(text, " ")
		if !ok {
			return nil, fmt.Errorf("%w: line %d: missing separator", ErrMalformedKeyLog, line)
		}
		key, err := rulekey.ParseRuleKey(keyTok)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", ErrMalformedKeyLog, line, err)
		}
		out = append(out, KeyLogEntry{Key: key, Diagnostic: diag})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
