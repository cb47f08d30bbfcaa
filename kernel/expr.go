package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/songzhibin97/blockflow/rules"
	"github.com/songzhibin97/blockflow/types"
)

// ExprOption configures an ExprKernel.
type ExprOption func(*ExprKernel)

// WithEvaluator shares a compiled-program cache between kernels.
func WithEvaluator(evaluator *rules.ExprEvaluator) ExprOption {
	return func(k *ExprKernel) {
		if evaluator != nil {
			k.evaluator = evaluator
		}
	}
}

// WithExprLogger sets the logger of the kernel.
func WithExprLogger(logger *slog.Logger) ExprOption {
	return func(k *ExprKernel) {
		if logger != nil {
			k.logger = logger
		}
	}
}

// ExprKernel runs a Python-compatible statement subset in process.
//
// Supported top-level statements are assignments (plain, chained, tuple
// unpacking and augmented), imports, pass and bare expressions. Right-hand
// sides are evaluated with expr-lang/expr, so the expression grammar is
// expr's: arithmetic, comparisons, and/or/not, list and map literals, member
// access, indexing and calls. The namespace provides print, display, str,
// range, fail and sleep along with True, False and None.
//
// A block's bindings are merged into the namespace only when every statement
// succeeds.
type ExprKernel struct {
	mu        sync.Mutex
	evaluator *rules.ExprEvaluator
	globals   map[string]interface{}
	count     int
	closed    bool
	logger    *slog.Logger
}

// NewExprKernel creates an ExprKernel with an empty namespace.
func NewExprKernel(opts ...ExprOption) *ExprKernel {
	k := &ExprKernel{
		evaluator: rules.NewExprEvaluator(),
		globals:   make(map[string]interface{}),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// NewExprFactory returns a Factory of ExprKernels sharing one program cache.
func NewExprFactory(opts ...ExprOption) Factory {
	shared := rules.NewExprEvaluator()
	return func(ctx context.Context) (Kernel, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return NewExprKernel(append([]ExprOption{WithEvaluator(shared)}, opts...)...), nil
	}
}

// Execute implements Kernel.
func (k *ExprKernel) Execute(ctx context.Context, req Request) (Response, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return Response{}, ErrKernelDead
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	k.count++

	run := &exprRun{
		ctx:       ctx,
		evaluator: k.evaluator,
		env:       make(map[string]interface{}, len(k.globals)+16),
		assigned:  make(map[string]struct{}),
	}
	run.installBuiltins()
	for name, v := range k.globals {
		run.env[name] = v
	}

	err := run.exec(req.Code)
	resp := Response{Outputs: run.outputs, ExecutionCount: k.count}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return resp, ctxErr
		}
		resp.Error = err.Error()
		resp.Outputs = append(resp.Outputs, types.Artifact{
			Type:    types.ArtifactError,
			Name:    errorKind(err),
			Content: err.Error(),
		})
		k.logger.Debug("expr kernel execution raised",
			slog.String("tag", req.Tag),
			slog.String("error", resp.Error))
		return resp, nil
	}

	for name := range run.assigned {
		k.globals[name] = run.env[name]
	}
	return resp, nil
}

// Close implements Kernel. Closing twice is a no-op.
func (k *ExprKernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed = true
	k.globals = nil
	return nil
}

// Globals returns a copy of the namespace.
func (k *ExprKernel) Globals() map[string]interface{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make(map[string]interface{}, len(k.globals))
	for name, v := range k.globals {
		out[name] = v
	}
	return out
}

// maxRange bounds the list range() materializes.
const maxRange = 10_000_000

// RaisedError is a runtime error raised by code running in the expr kernel.
type RaisedError struct {
	Kind string
	Msg  string
	Line int
}

func (e *RaisedError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s: %s (line %d)", e.Kind, e.Msg, e.Line)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func errorKind(err error) string {
	if re, ok := err.(*RaisedError); ok {
		return re.Kind
	}
	return "RuntimeError"
}

type exprRun struct {
	ctx       context.Context
	evaluator *rules.ExprEvaluator
	env       map[string]interface{}
	assigned  map[string]struct{}
	outputs   []types.Artifact
	content   []byte
}

func (r *exprRun) exec(code string) error {
	if strings.TrimSpace(code) == "" {
		return nil
	}
	r.content = []byte(code)

	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(r.ctx, nil, r.content)
	if err != nil {
		return err
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return &RaisedError{Kind: "SyntaxError", Msg: "invalid syntax", Line: firstErrorRow(root)}
	}

	var stmts []*sitter.Node
	for i := 0; i < int(root.NamedChildCount()); i++ {
		n := root.NamedChild(i)
		if n.Type() != "comment" {
			stmts = append(stmts, n)
		}
	}

	for i, stmt := range stmts {
		if err := r.ctx.Err(); err != nil {
			return err
		}
		last := i == len(stmts)-1
		if err := r.statement(stmt, last); err != nil {
			return err
		}
	}
	return nil
}

func (r *exprRun) statement(n *sitter.Node, last bool) error {
	line := int(n.StartPoint().Row) + 1
	switch n.Type() {
	case "pass_statement":
		return nil
	case "import_statement", "import_from_statement":
		return r.importStatement(n)
	case "expression_statement":
	default:
		return &RaisedError{Kind: "NotImplementedError", Msg: fmt.Sprintf("%s is not supported", strings.ReplaceAll(n.Type(), "_", " ")), Line: line}
	}

	if n.NamedChildCount() == 1 {
		child := n.NamedChild(0)
		switch child.Type() {
		case "assignment":
			return r.assignment(child)
		case "augmented_assignment":
			return r.augmented(child)
		}
	}

	source := r.text(n)
	if n.NamedChildCount() > 1 {
		source = "[" + source + "]"
	}
	value, err := r.eval(n, source)
	if err != nil {
		return err
	}
	if last && value != nil {
		r.emit(types.Artifact{Type: types.ArtifactResult, MimeType: "text/plain", Content: repr(value)})
	}
	return nil
}

func (r *exprRun) assignment(n *sitter.Node) error {
	var targets []*sitter.Node
	right := n
	for right != nil && right.Type() == "assignment" {
		targets = append(targets, right.ChildByFieldName("left"))
		right = right.ChildByFieldName("right")
	}
	if right == nil {
		// annotation without a value
		return nil
	}
	value, err := r.eval(right, r.text(right))
	if err != nil {
		return err
	}
	for _, t := range targets {
		if err := r.bind(t, value); err != nil {
			return err
		}
	}
	return nil
}

func (r *exprRun) augmented(n *sitter.Node) error {
	left := n.ChildByFieldName("left")
	right := n.ChildByFieldName("right")
	op := n.ChildByFieldName("operator")
	line := int(n.StartPoint().Row) + 1
	if left == nil || right == nil || op == nil {
		return &RaisedError{Kind: "SyntaxError", Msg: "incomplete augmented assignment", Line: line}
	}
	if left.Type() != "identifier" {
		return &RaisedError{Kind: "NotImplementedError", Msg: "augmented assignment target must be a name", Line: line}
	}
	name := r.text(left)
	if _, ok := r.env[name]; !ok {
		return nameError(name, line)
	}
	operator := strings.TrimSuffix(op.Type(), "=")
	if operator == "//" || operator == "@" || operator == ">>" || operator == "<<" {
		return &RaisedError{Kind: "NotImplementedError", Msg: fmt.Sprintf("operator %s= is not supported", operator), Line: line}
	}
	value, err := r.eval(right, fmt.Sprintf("(%s) %s (%s)", name, operator, r.text(right)))
	if err != nil {
		return err
	}
	return r.bind(left, value)
}

func (r *exprRun) bind(target *sitter.Node, value interface{}) error {
	line := int(target.StartPoint().Row) + 1
	switch target.Type() {
	case "identifier":
		name := r.text(target)
		r.env[name] = value
		r.assigned[name] = struct{}{}
		return nil
	case "pattern_list", "tuple_pattern", "list_pattern":
		items, ok := value.([]interface{})
		if !ok {
			return &RaisedError{Kind: "TypeError", Msg: fmt.Sprintf("cannot unpack non-sequence %s", typeName(value)), Line: line}
		}
		count := int(target.NamedChildCount())
		if len(items) != count {
			return &RaisedError{Kind: "ValueError", Msg: fmt.Sprintf("expected %d values to unpack, got %d", count, len(items)), Line: line}
		}
		for i := 0; i < count; i++ {
			if err := r.bind(target.NamedChild(i), items[i]); err != nil {
				return err
			}
		}
		return nil
	default:
		return &RaisedError{Kind: "NotImplementedError", Msg: fmt.Sprintf("cannot assign to %s", strings.ReplaceAll(target.Type(), "_", " ")), Line: line}
	}
}

func (r *exprRun) importStatement(n *sitter.Node) error {
	bindModule := func(alias, module string) {
		r.env[alias] = Module{Name: module}
		r.assigned[alias] = struct{}{}
	}
	if n.Type() == "import_statement" {
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c := n.NamedChild(i)
			switch c.Type() {
			case "dotted_name":
				full := r.text(c)
				bindModule(strings.SplitN(full, ".", 2)[0], strings.SplitN(full, ".", 2)[0])
			case "aliased_import":
				bindModule(r.text(c.ChildByFieldName("alias")), r.text(c.ChildByFieldName("name")))
			}
		}
		return nil
	}

	module := ""
	if m := n.ChildByFieldName("module_name"); m != nil {
		module = r.text(m)
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if m := n.ChildByFieldName("module_name"); m != nil && c.StartByte() == m.StartByte() && c.EndByte() == m.EndByte() {
			continue
		}
		switch c.Type() {
		case "dotted_name":
			name := r.text(c)
			bindModule(name, module+"."+name)
		case "aliased_import":
			bindModule(r.text(c.ChildByFieldName("alias")), module+"."+r.text(c.ChildByFieldName("name")))
		case "wildcard_import":
			return &RaisedError{Kind: "NotImplementedError", Msg: "wildcard import is not supported", Line: int(c.StartPoint().Row) + 1}
		}
	}
	return nil
}

// eval evaluates source, which is the text of n or an expression built
// around it. Free names of n are checked first so a missing binding reports
// as a NameError instead of a nil value.
func (r *exprRun) eval(n *sitter.Node, source string) (interface{}, error) {
	line := int(n.StartPoint().Row) + 1
	if name, ok := r.firstUnbound(n); ok {
		return nil, nameError(name, line)
	}
	value, err := r.evaluator.Evaluate(source, r.env)
	if err != nil {
		if ctxErr := r.ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var raised *RaisedError
		if errors.As(err, &raised) {
			return nil, &RaisedError{Kind: raised.Kind, Msg: raised.Msg, Line: line}
		}
		msg := strings.TrimSpace(strings.SplitN(err.Error(), "\n", 2)[0])
		return nil, &RaisedError{Kind: "RuntimeError", Msg: msg, Line: line}
	}
	return value, nil
}

func (r *exprRun) firstUnbound(n *sitter.Node) (string, bool) {
	switch n.Type() {
	case "identifier":
		name := r.text(n)
		if _, ok := r.env[name]; !ok {
			return name, true
		}
		return "", false
	case "attribute":
		if obj := n.ChildByFieldName("object"); obj != nil {
			return r.firstUnbound(obj)
		}
		return "", false
	case "call":
		fn := n.ChildByFieldName("function")
		if fn != nil && fn.Type() != "identifier" {
			if name, ok := r.firstUnbound(fn); ok {
				return name, true
			}
		}
		if args := n.ChildByFieldName("arguments"); args != nil {
			return r.firstUnbound(args)
		}
		return "", false
	case "keyword_argument":
		if v := n.ChildByFieldName("value"); v != nil {
			return r.firstUnbound(v)
		}
		return "", false
	case "string":
		return "", false
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if name, ok := r.firstUnbound(n.NamedChild(i)); ok {
			return name, true
		}
	}
	return "", false
}

func (r *exprRun) text(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	return n.Content(r.content)
}

func (r *exprRun) emit(a types.Artifact) {
	if a.Type == types.ArtifactStream && len(r.outputs) > 0 {
		prev := &r.outputs[len(r.outputs)-1]
		if prev.Type == types.ArtifactStream && prev.Name == a.Name {
			prev.Content += a.Content
			return
		}
	}
	r.outputs = append(r.outputs, a)
}

func (r *exprRun) installBuiltins() {
	r.env["True"] = true
	r.env["False"] = false
	r.env["None"] = nil
	r.env["print"] = func(args ...interface{}) interface{} {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = str(a)
		}
		r.emit(types.Artifact{Type: types.ArtifactStream, Name: "stdout", Content: strings.Join(parts, " ") + "\n"})
		return nil
	}
	r.env["display"] = func(args ...interface{}) (interface{}, error) {
		for _, a := range args {
			if rows, ok := records(a); ok {
				content, err := tableJSON(rows)
				if err != nil {
					return nil, err
				}
				r.emit(types.Artifact{Type: types.ArtifactTable, MimeType: "application/json", Content: content})
				continue
			}
			r.emit(types.Artifact{Type: types.ArtifactResult, MimeType: "text/plain", Content: repr(a)})
		}
		return nil, nil
	}
	r.env["str"] = func(v interface{}) string {
		return str(v)
	}
	r.env["range"] = func(v interface{}) ([]interface{}, error) {
		n, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("range() expects an int, got %s", typeName(v))
		}
		if n > maxRange {
			return nil, &RaisedError{Kind: "ValueError", Msg: fmt.Sprintf("range() argument %.0f exceeds the limit of %d", n, maxRange)}
		}
		out := make([]interface{}, 0, max(int(n), 0))
		for i := 0; i < int(n); i++ {
			out = append(out, i)
		}
		return out, nil
	}
	r.env["fail"] = func(args ...interface{}) (interface{}, error) {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = str(a)
		}
		return nil, fmt.Errorf("%s", strings.Join(parts, " "))
	}
	r.env["sleep"] = func(v interface{}) (interface{}, error) {
		ms, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("sleep() expects milliseconds, got %s", typeName(v))
		}
		timer := time.NewTimer(time.Duration(ms * float64(time.Millisecond)))
		defer timer.Stop()
		select {
		case <-r.ctx.Done():
			return nil, r.ctx.Err()
		case <-timer.C:
			return nil, nil
		}
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	return 0, false
}

func nameError(name string, line int) error {
	return &RaisedError{Kind: "NameError", Msg: fmt.Sprintf("name '%s' is not defined", name), Line: line}
}

func typeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "NoneType"
	case bool:
		return "bool"
	case string:
		return "str"
	case int, int64:
		return "int"
	case float64, float32:
		return "float"
	case map[string]interface{}:
		return "dict"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func firstErrorRow(n *sitter.Node) int {
	if n.Type() == "ERROR" || n.IsMissing() {
		return int(n.StartPoint().Row) + 1
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c != nil && (c.HasError() || c.IsMissing()) {
			if row := firstErrorRow(c); row > 0 {
				return row
			}
		}
	}
	return 0
}
