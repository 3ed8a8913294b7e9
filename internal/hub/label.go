package hub

import (
	"encoding/json"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

const labelMaxLen = 80

// labelFields are the argument keys checked for a displayable label, in
// priority order after "command".
var labelFields = []string{"path", "filePath", "filename", "pattern", "glob", "url", "query"}

// toolLabel derives a short human-readable label from a tool call's
// arguments: shell commands get a "$ "-prefixed summary, file/search/web
// tools show their primary argument, and anything else falls back to a
// length-capped JSON dump.
func toolLabel(name string, args json.RawMessage) string {
	var fields map[string]any
	if err := json.Unmarshal(args, &fields); err == nil {
		if cmd, ok := fields["command"].(string); ok && cmd != "" {
			return "$ " + capLabel(shellSummary(cmd))
		}
		for _, key := range labelFields {
			if v, ok := fields[key].(string); ok && v != "" {
				return capLabel(v)
			}
		}
	}

	dump, err := json.Marshal(args)
	if err != nil || string(dump) == "null" {
		return name
	}
	return name + " " + capLabel(string(dump))
}

// shellSummary reduces a shell command to its first simple command. A
// multi-statement or multi-line script keeps only the first call plus an
// ellipsis; anything the parser rejects falls back to the raw first line.
func shellSummary(command string) string {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil || len(file.Stmts) == 0 {
		return firstLine(command)
	}

	var words []string
	found := false
	syntax.Walk(file.Stmts[0], func(node syntax.Node) bool {
		if found {
			return false
		}
		if call, ok := node.(*syntax.CallExpr); ok {
			for _, arg := range call.Args {
				if lit := literalWord(arg); lit != "" {
					words = append(words, lit)
				}
			}
			found = true
			return false
		}
		return true
	})
	if len(words) == 0 {
		return firstLine(command)
	}

	summary := strings.Join(words, " ")
	_, plainCall := file.Stmts[0].Cmd.(*syntax.CallExpr)
	if len(file.Stmts) > 1 || !plainCall {
		summary += " ..."
	}
	return summary
}

// literalWord flattens a word into its literal text, or "" when it
// contains expansions that have no static form.
func literalWord(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				if lit, ok := inner.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		default:
			return ""
		}
	}
	return sb.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func capLabel(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > labelMaxLen {
		return cutAtRuneBoundary(s, labelMaxLen) + "..."
	}
	return s
}
