package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/blockflow/events"
	"github.com/songzhibin97/blockflow/types"
	"github.com/songzhibin97/blockflow/workflow"
)

var (
	runSelect  []string
	runForce   bool
	runTimeout time.Duration
	runOutputs bool
	runEvents  bool
	runDeps    bool
	runDown    bool
)

var runCmd = &cobra.Command{
	Use:   "run <notebook>",
	Short: "Execute a notebook's blocks in dependency order",
	Long: `Build the notebook's workflow definition and execute it against a fresh
session. The first failing block halts the run and the blocks after it are
skipped. Interrupting the command cancels the run before the next block.`,
	Example: `  # Run every block
  blockflow run ./notebook

  # Run two blocks, in execution order, with a 10s budget per block
  blockflow run ./notebook --select load,clean --node-timeout 10s

  # Run a block with everything it reads from, streaming progress to stderr
  blockflow run ./notebook --select report --with-dependencies --events`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringSliceVarP(&runSelect, "select", "s", nil, "run only these blocks")
	runCmd.Flags().BoolVar(&runForce, "force", false, "rerun blocks whose previous result is still valid")
	runCmd.Flags().DurationVar(&runTimeout, "node-timeout", 0, "override engine.node_timeout")
	runCmd.Flags().BoolVar(&runOutputs, "outputs", true, "print block outputs")
	runCmd.Flags().BoolVar(&runEvents, "events", false, "stream execution events to stderr")
	runCmd.Flags().BoolVar(&runDeps, "with-dependencies", false, "also run the blocks the selection depends on")
	runCmd.Flags().BoolVar(&runDown, "with-dependents", false, "also run the blocks that depend on the selection")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var opts []workflow.Option
	if runTimeout > 0 {
		opts = append(opts, workflow.WithNodeTimeout(runTimeout))
	}
	a, err := newApp(cfg, opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	if runEvents {
		w := cmd.ErrOrStderr()
		a.bus.SubscribeFunc(events.AllEvents, func(_ context.Context, ev events.Event) error {
			return printEvent(w, ev)
		})
	}

	def, err := a.engine.RefreshDefinition(ctx, args[0])
	if err != nil {
		return err
	}
	exec, err := a.engine.Start(ctx, def.ID, workflow.StartOptions{
		SelectedNodes:       runSelect,
		IncludeDependencies: runDeps,
		IncludeDependents:   runDown,
		Force:               runForce,
	})
	if err != nil {
		return err
	}

	// an interrupt cancels the run at the next block boundary
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_, _ = a.engine.Cancel(context.WithoutCancel(ctx), exec.ID)
		case <-stop:
		}
	}()

	final, err := a.engine.Wait(ctx, exec.ID)
	if err != nil {
		// interrupted: give the run time to record its final state
		waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		final, err = a.engine.Wait(waitCtx, exec.ID)
		if err != nil {
			return err
		}
	}

	printExecution(cmd.OutOrStdout(), final, runOutputs)
	if final.Status != types.StatusCompleted {
		return fmt.Errorf("execution %d %s: %s", final.ID, final.Status, final.ErrorMessage)
	}
	return nil
}

func printEvent(w io.Writer, ev events.Event) error {
	ts := time.UnixMilli(ev.Timestamp).Format("15:04:05.000")
	var err error
	switch ev.Type {
	case workflow.EventNodeStarted:
		_, err = fmt.Fprintf(w, "%s %-18s %s\n", ts, ev.Type, ev.NodeID)
	case workflow.EventNodeFinished:
		_, err = fmt.Fprintf(w, "%s %-18s %s %v %vms\n", ts, ev.Type, ev.NodeID, ev.Data["status"], ev.Data["execution_time_ms"])
	case workflow.EventExecutionStarted:
		_, err = fmt.Fprintf(w, "%s %-18s execution %d\n", ts, ev.Type, ev.ExecutionID)
	case workflow.EventExecutionFinished:
		_, err = fmt.Fprintf(w, "%s %-18s execution %d %v\n", ts, ev.Type, ev.ExecutionID, ev.Data["status"])
	default:
		_, err = fmt.Fprintf(w, "%s %-18s definition %d\n", ts, ev.Type, ev.DefinitionID)
	}
	return err
}

func printExecution(w io.Writer, exec *types.WorkflowExecution, outputs bool) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BLOCK\tSTATUS\tTIME\tCACHED")
	for _, node := range exec.Plan {
		result := exec.NodeResults[node]
		fmt.Fprintf(tw, "%s\t%s\t%dms\t%v\n", node, exec.NodeStatus[node], result.ExecutionTimeMs, result.Cached)
	}
	tw.Flush()

	if outputs {
		for _, node := range exec.Plan {
			result, ok := exec.NodeResults[node]
			if !ok || len(result.Outputs) == 0 {
				continue
			}
			fmt.Fprintf(w, "\n[%s]\n", node)
			for _, artifact := range result.Outputs {
				printArtifact(w, artifact)
			}
		}
	}
	fmt.Fprintf(w, "\nexecution %d: %s\n", exec.ID, exec.Status)
}

func printArtifact(w io.Writer, a types.Artifact) {
	switch a.Type {
	case types.ArtifactStream, types.ArtifactError:
		fmt.Fprint(w, a.Content)
		if !strings.HasSuffix(a.Content, "\n") {
			fmt.Fprintln(w)
		}
	case types.ArtifactImage:
		fmt.Fprintf(w, "<%s image, %d bytes base64>\n", a.MimeType, len(a.Content))
	default:
		fmt.Fprintln(w, a.Content)
	}
}
