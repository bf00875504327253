package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/bobarin/scenecast/internal/db"
	"github.com/bobarin/scenecast/internal/models"
	"github.com/bobarin/scenecast/internal/worker"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var status string
	var limit int
	var ascending bool

	cmd := &cobra.Command{
		Use:   "status [project-id]",
		Short: "List projects by status, or show one project's scenes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(store db.Store) error {
				out := cmd.OutOrStdout()
				if len(args) == 1 {
					id, err := parseProjectID(args[0])
					if err != nil {
						return err
					}
					return printProject(cmd.Context(), out, store, id)
				}

				st, err := models.ParseStatus(status)
				if err != nil {
					return err
				}
				projects, err := store.QueryByStatus(cmd.Context(), st, db.QueryOptions{Limit: limit, Ascending: ascending})
				if err != nil {
					return err
				}
				if len(projects) == 0 {
					fmt.Fprintf(out, "No %s projects\n", st)
					return nil
				}
				fmt.Fprintln(out, renderProjects(projects))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&status, "status", "s", string(models.StatusProcessing), "Project status to list")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of projects")
	cmd.Flags().BoolVar(&ascending, "asc", false, "Oldest first")
	return cmd
}

func newRepairCountersCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "repair-counters <project-id>",
		Short: "Recompute a project's scene counters from its scene records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProjectID(args[0])
			if err != nil {
				return err
			}
			return ctx.withStore(cmd.Context(), func(store db.Store) error {
				before, err := store.GetProject(cmd.Context(), id)
				if err != nil {
					return err
				}
				after, err := store.RecalculateCounters(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Counters for %s\n  before: %s\n  after:  %s\n",
					id, formatCounters(before.Counters()), formatCounters(after))
				return nil
			})
		},
	}
}

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep <project-id>",
		Short: "Submit generation for every scene without a clip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProjectID(args[0])
			if err != nil {
				return err
			}
			return ctx.withOrchestrator(cmd.Context(), func(orch *worker.Orchestrator) error {
				n, err := orch.SubmitProjectGeneration(cmd.Context(), id)
				if err != nil {
					return err
				}
				if n == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Every scene already has a clip")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Submitted %d scene(s) for generation\n", n)
				return nil
			})
		},
	}
}

func newComposeCommand(ctx *commandContext) *cobra.Command {
	var keepClipAudio bool

	cmd := &cobra.Command{
		Use:   "compose <project-id>",
		Short: "Submit final assembly of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProjectID(args[0])
			if err != nil {
				return err
			}
			return ctx.withOrchestrator(cmd.Context(), func(orch *worker.Orchestrator) error {
				if err := orch.SubmitComposition(cmd.Context(), id, worker.ComposeOptions{SuppressClipAudio: !keepClipAudio}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Composition submitted for %s\n", id)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&keepClipAudio, "keep-clip-audio", false, "Keep each clip's own audio track")
	return cmd
}

func parseProjectID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid project id %q", raw)
	}
	return id, nil
}

func renderProjects(projects []models.Project) string {
	rows := make([][]string, 0, len(projects))
	for _, p := range projects {
		outcome := "-"
		if p.CompositionOutcome != nil {
			outcome = string(*p.CompositionOutcome)
		}
		rows = append(rows, []string{
			p.ID.String(),
			string(p.Mode),
			string(p.Status),
			fmt.Sprintf("%d/%d", p.CompletedScenes, p.SceneCount),
			strconv.Itoa(p.FailedScenes),
			outcome,
			p.CreatedAt.Local().Format(time.DateTime),
		})
	}
	return renderTable(
		[]string{"ID", "Mode", "Status", "Done", "Failed", "Outcome", "Created"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight},
	)
}

func printProject(ctx context.Context, out io.Writer, store db.Store, id uuid.UUID) error {
	project, err := store.GetProject(ctx, id)
	if err != nil {
		return err
	}
	scenes, err := store.ListScenes(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Project %s (%s, %s)\n", project.ID, project.Mode, project.Status)
	fmt.Fprintf(out, "Concept: %s\n", project.Concept)
	if project.FinalKey != nil {
		fmt.Fprintf(out, "Final:   %s\n", *project.FinalKey)
	}
	if project.AudioOverlayWarning != nil {
		fmt.Fprintf(out, "Warning: %s\n", *project.AudioOverlayWarning)
	}
	if project.ErrorMessage != nil {
		fmt.Fprintf(out, "Error:   %s\n", *project.ErrorMessage)
	}

	rows := make([][]string, 0, len(scenes))
	for _, s := range scenes {
		rows = append(rows, []string{
			strconv.Itoa(s.Sequence),
			strconv.Itoa(s.DisplayOrder),
			string(s.Status),
			s.Duration().String(),
			valueOr(s.WorkingKey, "-"),
			strconv.Itoa(s.RetryCount),
			truncate(valueOr(s.LastError, ""), 48),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Seq", "Order", "Status", "Duration", "Working key", "Retries", "Last error"},
		rows,
		[]columnAlignment{alignRight, alignRight, alignLeft, alignRight, alignLeft, alignRight},
	))

	stored := project.Counters()
	actual := models.Tally(scenes)
	fmt.Fprintf(out, "Counters: %s\n", formatCounters(stored))
	if stored != actual {
		fmt.Fprintf(out, "Counters drifted from scene records (%s); run repair-counters\n", formatCounters(actual))
	}
	return nil
}

func formatCounters(c models.Counters) string {
	return fmt.Sprintf("%d scenes, %d completed, %d failed", c.SceneCount, c.Completed, c.Failed)
}

func valueOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
