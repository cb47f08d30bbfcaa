package analyzer

import (
	"sort"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/songzhibin97/blockflow/types"
)

type nameSet map[string]struct{}

func (s nameSet) add(name string) { s[name] = struct{}{} }

func (s nameSet) has(name string) bool {
	_, ok := s[name]
	return ok
}

func (s nameSet) sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// scope holds the names bound inside a nested body. Lazy scopes (function,
// lambda and generator bodies) run later, so their free reads are resolved once
// the whole block has been seen; class bodies and list, set and dict
// comprehensions run where they appear.
type scope struct {
	names nameSet
	lazy  bool
}

// walker collects module-level reads and writes from one parsed block.
// Writes inside nested bodies stay local to their scope.
type walker struct {
	src []byte

	defined  nameSet
	used     nameSet
	imports  nameSet
	calls    nameSet
	funcs    nameSet
	deferred nameSet
	scopes   []scope

	sideEffect bool
}

func newWalker(src []byte) *walker {
	return &walker{
		src:      src,
		defined:  nameSet{},
		used:     nameSet{},
		imports:  nameSet{},
		calls:    nameSet{},
		funcs:    nameSet{},
		deferred: nameSet{},
	}
}

func (w *walker) text(n *sitter.Node) string {
	return n.Content(w.src)
}

func (w *walker) walkModule(root *sitter.Node) {
	var last *sitter.Node
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		if child.Type() == "comment" {
			continue
		}
		w.visit(child)
		last = child
	}
	if last != nil && last.Type() == "expression_statement" && last.NamedChildCount() > 0 {
		switch last.NamedChild(0).Type() {
		case "assignment", "augmented_assignment", "yield":
		default:
			w.sideEffect = true
		}
	}
}

func (w *walker) info() types.DependencyInfo {
	for name := range w.deferred {
		if !w.defined.has(name) {
			w.used.add(name)
		}
	}
	return types.DependencyInfo{
		VariablesUsed:       w.used.sorted(),
		VariablesDefined:    w.defined.sorted(),
		Imports:             w.imports.sorted(),
		FunctionsCalled:     w.calls.sorted(),
		FunctionsDefined:    w.funcs.sorted(),
		SideEffectingOutput: w.sideEffect,
	}
}

func (w *walker) read(name string) {
	if isBuiltin(name) {
		return
	}
	lazy := false
	for i := len(w.scopes) - 1; i >= 0; i-- {
		if w.scopes[i].names.has(name) {
			return
		}
		lazy = lazy || w.scopes[i].lazy
	}
	if lazy {
		w.deferred.add(name)
		return
	}
	if !w.defined.has(name) {
		w.used.add(name)
	}
}

func (w *walker) bind(name string) {
	if len(w.scopes) > 0 {
		w.scopes[len(w.scopes)-1].names.add(name)
		return
	}
	w.defined.add(name)
}

func (w *walker) push(names nameSet, lazy bool) {
	w.scopes = append(w.scopes, scope{names: names, lazy: lazy})
}

func (w *walker) pop() { w.scopes = w.scopes[:len(w.scopes)-1] }

func (w *walker) visitField(n *sitter.Node, field string) {
	if c := n.ChildByFieldName(field); c != nil {
		w.visit(c)
	}
}

func (w *walker) visitChildren(n *sitter.Node) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		w.visit(n.NamedChild(i))
	}
}

func (w *walker) visit(n *sitter.Node) {
	if n == nil {
		return
	}
	switch n.Type() {
	case "identifier":
		w.read(w.text(n))

	case "comment", "integer", "float", "true", "false", "none", "ellipsis",
		"string_start", "string_content", "string_end", "escape_sequence",
		"global_statement", "nonlocal_statement", "future_import_statement",
		"pass_statement", "break_statement", "continue_statement":

	case "assignment":
		w.visitField(n, "right")
		w.visitField(n, "type")
		if left := n.ChildByFieldName("left"); left != nil {
			w.bindTarget(left)
		}

	case "augmented_assignment":
		left := n.ChildByFieldName("left")
		if left != nil && left.Type() == "identifier" {
			w.read(w.text(left))
		} else {
			w.visit(left)
		}
		w.visitField(n, "right")
		if left != nil && left.Type() == "identifier" {
			w.bind(w.text(left))
		}

	case "named_expression":
		w.visitField(n, "value")
		if name := n.ChildByFieldName("name"); name != nil {
			w.bindTarget(name)
		}

	case "for_statement":
		w.visitField(n, "right")
		if left := n.ChildByFieldName("left"); left != nil {
			w.bindTarget(left)
		}
		w.visitField(n, "body")
		w.visitField(n, "alternative")

	case "as_pattern":
		if n.NamedChildCount() > 0 {
			w.visit(n.NamedChild(0))
		}
		if alias := n.ChildByFieldName("alias"); alias != nil {
			w.bindTarget(alias)
		}

	case "except_clause":
		w.visitExcept(n)

	case "function_definition":
		w.visitFunction(n)

	case "class_definition":
		w.visitClass(n)

	case "lambda":
		params := nameSet{}
		if p := n.ChildByFieldName("parameters"); p != nil {
			w.collectParameters(p, params)
		}
		w.push(params, true)
		w.visitField(n, "body")
		w.pop()

	case "list_comprehension", "set_comprehension", "dictionary_comprehension", "generator_expression":
		w.visitComprehension(n)

	case "keyword_argument":
		w.visitField(n, "value")

	case "attribute":
		w.visitField(n, "object")

	case "call":
		w.visitCall(n)

	case "import_statement":
		w.visitImport(n)

	case "import_from_statement":
		w.visitImportFrom(n)

	default:
		w.visitChildren(n)
	}
}

// bindTarget binds every plain name in an assignment target. Attribute and
// subscript targets mutate an existing object, so they are reads.
func (w *walker) bindTarget(n *sitter.Node) {
	switch n.Type() {
	case "identifier":
		w.bind(w.text(n))
	case "pattern_list", "tuple_pattern", "list_pattern", "tuple", "list",
		"parenthesized_expression", "expression_list", "as_pattern_target",
		"list_splat_pattern", "list_splat":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			w.bindTarget(n.NamedChild(i))
		}
	default:
		w.visit(n)
	}
}

func (w *walker) visitExcept(n *sitter.Node) {
	sawAs := false
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c.Type() == "as" {
			sawAs = true
			continue
		}
		if !c.IsNamed() {
			continue
		}
		if sawAs {
			w.bindTarget(c)
			sawAs = false
			continue
		}
		w.visit(c)
	}
}

func (w *walker) visitFunction(n *sitter.Node) {
	if name := n.ChildByFieldName("name"); name != nil {
		w.bind(w.text(name))
		if len(w.scopes) == 0 {
			w.funcs.add(w.text(name))
		}
	}
	params := nameSet{}
	if p := n.ChildByFieldName("parameters"); p != nil {
		w.collectParameters(p, params)
	}
	w.visitField(n, "return_type")
	w.push(params, true)
	w.visitField(n, "body")
	w.pop()
}

func (w *walker) visitClass(n *sitter.Node) {
	w.visitField(n, "superclasses")
	if name := n.ChildByFieldName("name"); name != nil {
		w.bind(w.text(name))
		if len(w.scopes) == 0 {
			w.funcs.add(w.text(name))
		}
	}
	w.push(nameSet{}, false)
	w.visitField(n, "body")
	w.pop()
}

// collectParameters records parameter names into params and visits default
// values and annotations in the enclosing scope.
func (w *walker) collectParameters(p *sitter.Node, params nameSet) {
	for i := 0; i < int(p.NamedChildCount()); i++ {
		c := p.NamedChild(i)
		switch c.Type() {
		case "identifier":
			params.add(w.text(c))
		case "default_parameter", "typed_default_parameter":
			if name := c.ChildByFieldName("name"); name != nil {
				params.add(w.text(name))
			}
			w.visitField(c, "type")
			w.visitField(c, "value")
		case "typed_parameter":
			for j := 0; j < int(c.NamedChildCount()); j++ {
				gc := c.NamedChild(j)
				switch gc.Type() {
				case "identifier":
					params.add(w.text(gc))
				case "list_splat_pattern", "dictionary_splat_pattern":
					w.collectParameters(gc, params)
				}
			}
			w.visitField(c, "type")
		case "list_splat_pattern", "dictionary_splat_pattern":
			w.collectParameters(c, params)
		}
	}
}

// visitComprehension evaluates the first iterable in the enclosing scope, where
// Python evaluates it, and the rest inside the comprehension's own scope.
func (w *walker) visitComprehension(n *sitter.Node) {
	first := -1
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if c := n.NamedChild(i); c.Type() == "for_in_clause" {
			first = i
			w.visitField(c, "right")
			break
		}
	}

	w.push(nameSet{}, n.Type() == "generator_expression")
	defer w.pop()
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		switch c.Type() {
		case "for_in_clause":
			if i != first {
				w.visitField(c, "right")
			}
			if left := c.ChildByFieldName("left"); left != nil {
				w.bindTarget(left)
			}
		case "if_clause":
			w.visitChildren(c)
		}
	}
	w.visitField(n, "body")
}

func (w *walker) visitCall(n *sitter.Node) {
	fn := n.ChildByFieldName("function")
	if fn != nil {
		switch fn.Type() {
		case "identifier":
			name := w.text(fn)
			w.calls.add(name)
			if _, ok := outputCalls[name]; ok {
				w.sideEffect = true
			}
		case "attribute":
			if attr := fn.ChildByFieldName("attribute"); attr != nil {
				name := w.text(attr)
				w.calls.add(name)
				if _, ok := outputMethods[name]; ok {
					w.sideEffect = true
				}
			}
		}
		w.visit(fn)
	}
	w.visitField(n, "arguments")
}

func (w *walker) visitImport(n *sitter.Node) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		switch c.Type() {
		case "dotted_name":
			path := w.text(c)
			w.imports.add(path)
			if c.NamedChildCount() > 0 {
				w.bind(w.text(c.NamedChild(0)))
			}
		case "aliased_import":
			name := c.ChildByFieldName("name")
			alias := c.ChildByFieldName("alias")
			if name != nil {
				w.imports.add(w.text(name))
			}
			if alias != nil {
				w.bind(w.text(alias))
			}
		}
	}
}

func (w *walker) visitImportFrom(n *sitter.Node) {
	module := n.ChildByFieldName("module_name")
	prefix := ""
	if module != nil {
		prefix = w.text(module)
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if module != nil && c.StartByte() == module.StartByte() && c.EndByte() == module.EndByte() {
			continue
		}
		switch c.Type() {
		case "dotted_name":
			name := w.text(c)
			w.imports.add(prefix + "." + name)
			w.bind(name)
		case "aliased_import":
			name := c.ChildByFieldName("name")
			alias := c.ChildByFieldName("alias")
			if name != nil {
				w.imports.add(prefix + "." + w.text(name))
			}
			if alias != nil {
				w.bind(w.text(alias))
			}
		case "wildcard_import":
			w.imports.add(prefix + ".*")
		}
	}
}
