package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/blockflow/dag"
	"github.com/songzhibin97/blockflow/types"
)

var analyzeFormat string

var analyzeCmd = &cobra.Command{
	Use:   "analyze <notebook>",
	Short: "Print the dependency map and execution order of a notebook",
	Long: `Analyze every block of the notebook, infer the dependency edges between
them and print the result. A dependency cycle is reported in the validation
section and makes the command exit with an error.`,
	Example: `  # Analyze a directory of blocks
  blockflow analyze ./notebook

  # Analyze a cell-marked file as YAML
  blockflow analyze analysis.py --format yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeFormat, "format", "f", "json", "output format (json or yaml)")
}

// analysisOutput is the printed form of an analysis.
type analysisOutput struct {
	DependencyMap map[string]types.DependencyInfo `json:"dependency_map" yaml:"dependency_map"`
	Edges         []types.Edge                    `json:"edges" yaml:"edges"`
	Order         []string                        `json:"execution_order" yaml:"execution_order"`
	Validation    dag.Validation                  `json:"validation" yaml:"validation"`
	Warnings      []string                        `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	blocks, err := fileSource{}.ListBlocks(ctx, args[0])
	if err != nil {
		return err
	}
	report, err := a.engine.Analyze(ctx, blocks)
	if err != nil {
		return err
	}

	out := analysisOutput{
		DependencyMap: report.DependencyMap,
		Edges:         report.Graph.Edges,
		Order:         report.Graph.ExecutionOrder,
		Validation:    report.Validation,
	}
	for _, w := range report.Warnings {
		out.Warnings = append(out.Warnings, w.Error())
	}
	if err := writeOutput(cmd.OutOrStdout(), analyzeFormat, out); err != nil {
		return err
	}
	if !report.Validation.IsValid {
		return fmt.Errorf("invalid notebook: %s", report.Validation.Error)
	}
	return nil
}

func writeOutput(w io.Writer, format string, v interface{}) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// go through JSON so keys follow the json tags
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var doc yaml.Node
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return err
		}
		blockStyle(&doc)
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(&doc)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func blockStyle(n *yaml.Node) {
	n.Style &^= yaml.FlowStyle | yaml.DoubleQuotedStyle
	for _, c := range n.Content {
		blockStyle(c)
	}
}
