package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/songzhibin97/blockflow/types"
)

const cellMarker = "# %%"

// fileSource reads blocks from disk. The project ID is the path of a
// directory of .py files or of a single file split into cells.
type fileSource struct{}

func (fileSource) ListBlocks(ctx context.Context, projectID string) ([]types.Block, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	info, err := os.Stat(projectID)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return readDir(projectID)
	}
	return readCells(projectID)
}

func readDir(dir string) ([]types.Block, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".py" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	blocks := make([]types.Block, 0, len(names))
	for i, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, types.Block{
			ID:        strings.TrimSuffix(name, ".py"),
			ProjectID: dir,
			Source:    string(data),
			Position:  i,
		})
	}
	return blocks, nil
}

// readCells splits a file on "# %%" lines. Text after the marker names the cell.
func readCells(path string) ([]types.Block, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var blocks []types.Block
	var cur *types.Block
	var body strings.Builder
	flush := func() {
		if cur == nil {
			return
		}
		cur.Source = body.String()
		if strings.TrimSpace(cur.Source) != "" {
			blocks = append(blocks, *cur)
		}
		body.Reset()
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, cellMarker) {
			flush()
			id := strings.TrimSpace(strings.TrimPrefix(line, cellMarker))
			if id == "" {
				id = fmt.Sprintf("cell-%d", len(blocks)+1)
			}
			cur = &types.Block{ID: id, ProjectID: path, Position: len(blocks)}
			continue
		}
		if cur == nil {
			cur = &types.Block{ID: "cell-1", ProjectID: path}
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	flush()
	return blocks, nil
}
