package policy

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/sift-analytics/sift/internal/domain"
)

// allowedImports is the closed set of modules a submitted program may
// import. Everything else is rejected, including submodules of denied
// roots.
var allowedImports = map[string]bool{
	"pandas":     true,
	"numpy":      true,
	"math":       true,
	"statistics": true,
	"re":         true,
	"datetime":   true,
}

// blockedAttributeRoots are names whose attribute access is denied even
// without an import (e.g. a smuggled reference to os).
var blockedAttributeRoots = map[string]bool{
	"os":         true,
	"sys":        true,
	"subprocess": true,
	"socket":     true,
	"shutil":     true,
	"pathlib":    true,
	"ctypes":     true,
	"importlib":  true,
}

// blockedCalls are callables that escape the data-analysis sandbox model.
var blockedCalls = map[string]bool{
	"open":       true,
	"exec":       true,
	"eval":       true,
	"compile":    true,
	"__import__": true,
	"input":      true,
}

// ValidatePython parses the submitted source and rejects it when any
// denied construct appears: imports outside the allow-list, attribute
// access into denied roots, blocked calls, or dunder attribute access.
// Returns a PYTHON_POLICY_VIOLATION RunError describing the first
// offending construct.
func ValidatePython(ctx context.Context, source string) error {
	src := []byte(source)

	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return fmt.Errorf("parse python source: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return domain.NewRunError(domain.ErrPythonPolicyViolation, "source is not valid python")
	}
	return walk(root, src)
}

func walk(node *sitter.Node, src []byte) error {
	switch node.Type() {
	case "import_statement":
		for i := 0; i < int(node.NamedChildCount()); i++ {
			child := node.NamedChild(i)
			name := child
			if child.Type() == "aliased_import" {
				name = child.ChildByFieldName("name")
			}
			if name != nil {
				if err := checkImport(name.Content(src)); err != nil {
					return err
				}
			}
		}
	case "import_from_statement":
		if mod := node.ChildByFieldName("module_name"); mod != nil {
			if err := checkImport(mod.Content(src)); err != nil {
				return err
			}
		}
	case "call":
		if fn := node.ChildByFieldName("function"); fn != nil && fn.Type() == "identifier" {
			name := fn.Content(src)
			if blockedCalls[name] {
				return domain.NewRunError(domain.ErrPythonPolicyViolation, "call to %q is not allowed", name)
			}
		}
	case "attribute":
		if attr := node.ChildByFieldName("attribute"); attr != nil {
			name := attr.Content(src)
			if strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__") {
				return domain.NewRunError(domain.ErrPythonPolicyViolation, "dunder attribute access %q is not allowed", name)
			}
		}
		if root := attributeRoot(node); root != nil && root.Type() == "identifier" {
			name := root.Content(src)
			if blockedAttributeRoots[name] {
				return domain.NewRunError(domain.ErrPythonPolicyViolation, "attribute access into %q is not allowed", name)
			}
		}
	}

	for i := 0; i < int(node.NamedChildCount()); i++ {
		if err := walk(node.NamedChild(i), src); err != nil {
			return err
		}
	}
	return nil
}

// checkImport validates a dotted module path against the allow-list.
// Only the root segment matters: `pandas.api.types` is fine, `os.path`
// is not.
func checkImport(module string) error {
	root := module
	if i := strings.IndexByte(module, '.'); i >= 0 {
		root = module[:i]
	}
	if !allowedImports[root] {
		return domain.NewRunError(domain.ErrPythonPolicyViolation, "import of %q is not allowed", root)
	}
	return nil
}

// attributeRoot descends through chained attribute access (a.b.c.d) to
// the leftmost object node.
func attributeRoot(node *sitter.Node) *sitter.Node {
	obj := node.ChildByFieldName("object")
	for obj != nil && obj.Type() == "attribute" {
		obj = obj.ChildByFieldName("object")
	}
	return obj
}
