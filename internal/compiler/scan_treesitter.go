//go:build cgo

package compiler

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// scanImports returns the top-level module names imported anywhere in src,
// in order of first appearance. Relative imports are ignored.
func scanImports(ctx context.Context, src []byte) ([]string, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse python source: %w", err)
	}

	var names []string
	seen := make(map[string]bool)
	add := func(n *sitter.Node) {
		if n == nil || n.Type() == "relative_import" {
			return
		}
		if n.Type() == "aliased_import" {
			n = n.ChildByFieldName("name")
			if n == nil {
				return
			}
		}
		top := strings.SplitN(n.Content(src), ".", 2)[0]
		if top != "" && !seen[top] {
			seen[top] = true
			names = append(names, top)
		}
	}

	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		switch n.Type() {
		case "import_statement":
			for i := 0; i < int(n.NamedChildCount()); i++ {
				add(n.NamedChild(i))
			}
			return
		case "import_from_statement":
			add(n.ChildByFieldName("module_name"))
			return
		case "future_import_statement":
			return
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(tree.RootNode())
	return names, nil
}
