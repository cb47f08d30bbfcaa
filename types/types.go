package types

// Execution states shared by workflow executions, nodes and results.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusSkipped   = "skipped"
)

// Artifact types produced by a block run.
const (
	ArtifactStream = "stream"
	ArtifactResult = "result"
	ArtifactTable  = "table"
	ArtifactImage  = "image"
	ArtifactError  = "error"
)

// Block is a unit of notebook source. Blocks are owned by an external collaborator.
type Block struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Source    string `json:"source"`
	Position  int    `json:"position"` // insertion order, used for tie-breaking
}

// DependencyInfo summarises the names a block reads and writes.
// All sets are sorted so the value serializes deterministically.
type DependencyInfo struct {
	VariablesUsed       []string `json:"variables_used"`
	VariablesDefined    []string `json:"variables_defined"`
	Imports             []string `json:"imports"`
	FunctionsCalled     []string `json:"functions_called"`
	FunctionsDefined    []string `json:"functions_defined"`
	SideEffectingOutput bool     `json:"side_effecting_output"`
	ConsumesAll         bool     `json:"consumes_all,omitempty"` // set when the source could not be parsed
	Warning             string   `json:"warning,omitempty"`
}

// Edge is a producer -> consumer dependency between two blocks.
type Edge struct {
	From      string   `json:"from"`
	To        string   `json:"to"`
	Variables []string `json:"variables,omitempty"`
}

// WorkflowDefinition is the structural description derived from dependency analysis.
type WorkflowDefinition struct {
	ID             uint64                    `json:"id"`
	ProjectID      string                    `json:"project_id"`
	Name           string                    `json:"name"`
	Nodes          []string                  `json:"nodes"`
	Edges          []Edge                    `json:"edges"`
	ExecutionOrder []string                  `json:"execution_order"`
	DependencyMap  map[string]DependencyInfo `json:"dependency_map"`
	Fingerprints   map[string]string         `json:"fingerprints"`
	Version        int                       `json:"version"`
	IsActive       bool                      `json:"is_active"`
	CreatedAt      int64                     `json:"created_at"`
	UpdatedAt      int64                     `json:"updated_at"`
}

// HasNode reports whether id is a node of the definition.
func (d WorkflowDefinition) HasNode(id string) bool {
	return contains(d.Nodes, id)
}

// Artifact is one ordered output of a block run.
type Artifact struct {
	Type     string `json:"type"`
	Name     string `json:"name,omitempty"` // stdout / stderr for streams
	MimeType string `json:"mime_type,omitempty"`
	Content  string `json:"content"`
}

// ExecutionResult is the outcome of running one node once.
type ExecutionResult struct {
	BlockID         string     `json:"block_id"`
	Status          string     `json:"status"`
	ExecutionTimeMs int64      `json:"execution_time_ms"`
	Outputs         []Artifact `json:"outputs"`
	Error           string     `json:"error,omitempty"`
	Cached          bool       `json:"cached,omitempty"`
}

// WorkflowExecution is one timed run of a workflow definition against a session.
type WorkflowExecution struct {
	ID                uint64                     `json:"id"`
	DefinitionID      uint64                     `json:"definition_id"`
	DefinitionVersion int                        `json:"definition_version"`
	ProjectID         string                     `json:"project_id"`
	SessionID         uint64                     `json:"session_id"`
	Status            string                     `json:"status"`
	CurrentNode       string                     `json:"current_node,omitempty"`
	Plan              []string                   `json:"plan"`
	NodeStatus        map[string]string          `json:"node_status"`
	NodeResults       map[string]ExecutionResult `json:"node_results"`
	Force             bool                       `json:"force"`
	ErrorMessage      string                     `json:"error_message,omitempty"`
	CreatedAt         int64                      `json:"created_at"`
	StartedAt         int64                      `json:"started_at,omitempty"`
	CompletedAt       int64                      `json:"completed_at,omitempty"`
	UpdatedAt         int64                      `json:"updated_at"`
}

// IsTerminal reports whether the execution can no longer change status.
func (e WorkflowExecution) IsTerminal() bool {
	return IsTerminal(e.Status)
}

// Clone returns a deep copy safe to hand to concurrent readers.
func (e WorkflowExecution) Clone() WorkflowExecution {
	out := e
	out.Plan = append([]string(nil), e.Plan...)
	out.NodeStatus = make(map[string]string, len(e.NodeStatus))
	for k, v := range e.NodeStatus {
		out.NodeStatus[k] = v
	}
	out.NodeResults = make(map[string]ExecutionResult, len(e.NodeResults))
	for k, v := range e.NodeResults {
		v.Outputs = append([]Artifact(nil), v.Outputs...)
		out.NodeResults[k] = v
	}
	return out
}

// IsTerminal reports whether an execution status is final.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
