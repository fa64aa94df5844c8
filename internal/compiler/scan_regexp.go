//go:build !cgo

package compiler

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

var (
	importLine = regexp.MustCompile(`(?m)^[ \t]*import[ \t]+([A-Za-z_][\w. \t,]*)`)
	fromLine   = regexp.MustCompile(`(?m)^[ \t]*from[ \t]+([A-Za-z_][\w.]*)[ \t]+import\b`)
)

// scanImports is the line-based scanner used when the tree-sitter grammar is
// unavailable. It sees imports at any indentation but not inside strings.
func scanImports(_ context.Context, src []byte) ([]string, error) {
	type hit struct {
		at   int
		name string
	}
	var hits []hit

	for _, m := range importLine.FindAllSubmatchIndex(src, -1) {
		for _, part := range strings.Split(string(src[m[2]:m[3]]), ",") {
			name := strings.Fields(part)
			if len(name) > 0 {
				hits = append(hits, hit{m[0], name[0]})
			}
		}
	}
	for _, m := range fromLine.FindAllSubmatchIndex(src, -1) {
		hits = append(hits, hit{m[0], string(src[m[2]:m[3]])})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].at < hits[j].at })

	var names []string
	seen := make(map[string]bool)
	for _, h := range hits {
		top := strings.SplitN(h.name, ".", 2)[0]
		if top == "__future__" || seen[top] {
			continue
		}
		seen[top] = true
		names = append(names, top)
	}
	return names, nil
}
