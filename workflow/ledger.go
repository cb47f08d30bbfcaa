package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/songzhibin97/blockflow/types"
)

// Fingerprint identifies a block's source together with its dependency summary.
func Fingerprint(source string, info types.DependencyInfo) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	// DependencyInfo holds only sorted slices and scalars, so its encoding is stable.
	raw, _ := json.Marshal(info)
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))
}

// ledger tracks what each node last wrote into one session's namespace.
// It is owned by the goroutine driving the definition's current execution.
type ledger struct {
	seq     int
	writes  map[string]int    // name -> seq of the run that last wrote it
	writers map[string]string // name -> node that last wrote it
	entries map[string]ledgerEntry
}

type ledgerEntry struct {
	fingerprint string
	seq         int
	result      types.ExecutionResult
}

func newLedger() *ledger {
	return &ledger{
		writes:  make(map[string]int),
		writers: make(map[string]string),
		entries: make(map[string]ledgerEntry),
	}
}

// record notes a node run. A failed run may have bound some of its names,
// so its defined names are invalidated for every other node.
func (l *ledger) record(node string, info types.DependencyInfo, fingerprint string, result types.ExecutionResult) {
	l.seq++
	for _, name := range info.VariablesDefined {
		l.writes[name] = l.seq
		l.writers[name] = node
	}
	if result.Status != types.StatusCompleted {
		delete(l.entries, node)
		return
	}
	l.entries[node] = ledgerEntry{fingerprint: fingerprint, seq: l.seq, result: result}
}

// reusable returns the node's prior result when rerunning it would leave the
// namespace unchanged: same fingerprint, still the last writer of every name it
// defines, and nothing it reads was rewritten after it ran.
func (l *ledger) reusable(node string, info types.DependencyInfo, fingerprint string) (types.ExecutionResult, bool) {
	if info.ConsumesAll {
		return types.ExecutionResult{}, false
	}
	entry, ok := l.entries[node]
	if !ok || entry.fingerprint != fingerprint {
		return types.ExecutionResult{}, false
	}
	for _, name := range info.VariablesDefined {
		if l.writers[name] != node {
			return types.ExecutionResult{}, false
		}
	}
	for _, name := range info.VariablesUsed {
		if l.writes[name] > entry.seq {
			return types.ExecutionResult{}, false
		}
	}
	result := entry.result
	result.Outputs = append([]types.Artifact(nil), entry.result.Outputs...)
	result.Cached = true
	return result, true
}
