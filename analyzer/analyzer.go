package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/songzhibin97/blockflow/types"
)

// DefaultMaxSourceSize bounds the block source accepted for analysis.
const DefaultMaxSourceSize = 1 << 20

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the logger used for analysis warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Analyzer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMaxSourceSize sets the largest block source, in bytes, that is parsed.
// Larger blocks fall back to conservative dependency info.
func WithMaxSourceSize(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.maxSourceSize = n
		}
	}
}

// Analyzer extracts a DependencyInfo from Python block source using tree-sitter.
//
// Analysis is a pure function of the source text. It is name-based: dynamic
// name construction (eval, exec, setattr on modules, globals()) is not seen.
// Each call creates its own tree-sitter parser, so an Analyzer is safe for
// concurrent use.
type Analyzer struct {
	logger        *slog.Logger
	maxSourceSize int
}

// New creates an Analyzer.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{
		logger:        slog.Default(),
		maxSourceSize: DefaultMaxSourceSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Report is the outcome of analyzing a batch of blocks.
type Report struct {
	DependencyMap map[string]types.DependencyInfo
	Warnings      []*AnalysisError
}

// Analyze returns the dependency summary of one block.
//
// When the source cannot be parsed the returned info is conservative
// (ConsumesAll set, nothing defined) and the error is an *AnalysisError.
// Only context errors are returned with a zero DependencyInfo.
func (a *Analyzer) Analyze(ctx context.Context, source string) (types.DependencyInfo, error) {
	if err := ctx.Err(); err != nil {
		return types.DependencyInfo{}, err
	}
	if strings.TrimSpace(source) == "" {
		return newWalker(nil).info(), nil
	}
	if len(source) > a.maxSourceSize {
		return conservative(0, fmt.Sprintf("source size %d exceeds limit %d", len(source), a.maxSourceSize))
	}
	if !utf8.ValidString(source) {
		return conservative(0, "source is not valid UTF-8")
	}

	content := []byte(source)
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return types.DependencyInfo{}, ctxErr
		}
		return conservative(0, err.Error())
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return conservative(0, "parser returned no syntax tree")
	}
	if root.HasError() {
		return conservative(firstErrorLine(root), "syntax error")
	}

	w := newWalker(content)
	w.walkModule(root)
	return w.info(), nil
}

// AnalyzeBlocks analyzes every block. A block that fails to parse is degraded
// to conservative info and reported in Warnings; the batch continues.
func (a *Analyzer) AnalyzeBlocks(ctx context.Context, blocks []types.Block) (*Report, error) {
	report := &Report{DependencyMap: make(map[string]types.DependencyInfo, len(blocks))}
	for _, b := range blocks {
		info, err := a.Analyze(ctx, b.Source)
		if err != nil {
			aerr, ok := err.(*AnalysisError)
			if !ok {
				return nil, err
			}
			aerr.BlockID = b.ID
			a.logger.Warn("block analysis degraded to conservative dependencies",
				slog.String("block_id", b.ID),
				slog.Int("line", aerr.Line),
				slog.String("reason", aerr.Reason))
			report.Warnings = append(report.Warnings, aerr)
		}
		report.DependencyMap[b.ID] = info
	}
	return report, nil
}

func conservative(line int, reason string) (types.DependencyInfo, error) {
	err := &AnalysisError{Line: line, Reason: reason}
	return types.DependencyInfo{
		VariablesUsed:    []string{},
		VariablesDefined: []string{},
		Imports:          []string{},
		FunctionsCalled:  []string{},
		FunctionsDefined: []string{},
		ConsumesAll:      true,
		Warning:          err.Error(),
	}, err
}

// firstErrorLine returns the 1-based line of the first ERROR or missing node.
func firstErrorLine(n *sitter.Node) int {
	if n.Type() == "ERROR" || n.IsMissing() {
		return int(n.StartPoint().Row) + 1
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c == nil || !c.HasError() && !c.IsMissing() {
			continue
		}
		if line := firstErrorLine(c); line > 0 {
			return line
		}
	}
	return 0
}
