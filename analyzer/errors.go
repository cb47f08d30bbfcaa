package analyzer

import (
	"errors"
	"fmt"
)

// ErrAnalysis marks a block whose source could not be analyzed.
var ErrAnalysis = errors.New("dependency analysis failed")

// AnalysisError describes why a block fell back to conservative dependency info.
// It is reported as a warning and never aborts the analysis of other blocks.
type AnalysisError struct {
	BlockID string
	Line    int // 1-based, 0 when unknown
	Reason  string
}

func (e *AnalysisError) Error() string {
	if e == nil {
		return ""
	}
	loc := ""
	if e.BlockID != "" {
		loc = fmt.Sprintf(" in block %s", e.BlockID)
	}
	if e.Line > 0 {
		loc += fmt.Sprintf(" at line %d", e.Line)
	}
	return fmt.Sprintf("%s%s: %s", ErrAnalysis.Error(), loc, e.Reason)
}

func (e *AnalysisError) Unwrap() error { return ErrAnalysis }
