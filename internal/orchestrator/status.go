package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/johndauphine/ag-db-move/internal/backup"
	"github.com/johndauphine/ag-db-move/internal/checkpoint"
	"github.com/johndauphine/ag-db-move/internal/config"
	"github.com/johndauphine/ag-db-move/internal/move"
)

// PlanStep is one RESTORE statement a move would issue.
type PlanStep struct {
	Type      string   `json:"type"`
	FirstLSN  string   `json:"first_lsn"`
	LastLSN   string   `json:"last_lsn"`
	Locations []string `json:"locations"`
	Pending   bool     `json:"pending"`
}

// PlanResult is the reconstructed backup chain and the part of it the next
// round would restore.
type PlanResult struct {
	Source      string     `json:"source"`
	Destination string     `json:"destination"`
	Watermark   string     `json:"watermark,omitempty"`
	Steps       []PlanStep `json:"steps"`
	Pending     int        `json:"pending_files"`
}

// Plan reconstructs the chain from the source's backup history without
// taking a log backup or touching the destination.
func (o *Orchestrator) Plan(ctx context.Context) (*PlanResult, error) {
	sess, err := o.loadSession()
	if err != nil {
		return nil, err
	}
	opts, err := o.moveOptions()
	if err != nil {
		return nil, err
	}
	c, err := move.NewCoordinator(opts)
	if err != nil {
		return nil, err
	}

	chain, pending, err := c.Plan(ctx, sess.Watermark)
	var chainErr *backup.ChainError
	if err != nil && !(errors.As(err, &chainErr) && chainErr.Reason == backup.ReasonNothingRestore && chain != nil) {
		return nil, err
	}

	result := &PlanResult{
		Source:      o.sourceLabel(),
		Destination: o.destinationLabel(),
		Pending:     len(pending),
	}
	if sess.Watermark != nil {
		result.Watermark = sess.Watermark.String()
	}
	for _, step := range chain.Steps() {
		result.Steps = append(result.Steps, PlanStep{
			Type:      step.Type().String(),
			FirstLSN:  step.FirstLSN().String(),
			LastLSN:   step.LastLSN().String(),
			Locations: step.Locations(),
			Pending:   sess.Watermark == nil || sess.Watermark.Less(step.LastLSN()),
		})
	}
	return result, nil
}

// RenderPlan formats a plan for the terminal.
func RenderPlan(p *PlanResult) string {
	watermark := p.Watermark
	if watermark == "" {
		watermark = "-"
	}
	summary := lipgloss.JoinVertical(lipgloss.Left,
		field("Source", p.Source),
		field("Destination", p.Destination),
		field("Watermark", watermark),
		field("Pending", fmt.Sprintf("%d backup files", p.Pending)),
	)

	rows := make([][]string, 0, len(p.Steps))
	for i, s := range p.Steps {
		state := styleMuted.Render("applied")
		if s.Pending {
			state = styleRunning.Render("pending")
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", i+1), s.Type, s.FirstLSN, s.LastLSN, state, strings.Join(s.Locations, ", "),
		})
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		styleTitle.Render("Restore plan"),
		styleBox.Render(summary),
		"",
		table([]string{"#", "Type", "First LSN", "Last LSN", "State", "Locations"}, rows),
	)
}

// StatusResult describes the latest run and the persisted session.
type StatusResult struct {
	Run     *checkpoint.Run     `json:"run,omitempty"`
	Session *checkpoint.Session `json:"session,omitempty"`
	Rounds  []checkpoint.Round  `json:"rounds,omitempty"`
}

// Status returns the latest run, preferring one still running, and the
// session of this source and destination.
func (o *Orchestrator) Status() (*StatusResult, error) {
	return StatusOf(o.state, o.config)
}

// StatusOf reads status from state alone, without connecting to either end.
func StatusOf(state checkpoint.StateBackend, cfg *config.Config) (*StatusResult, error) {
	run, err := state.GetLastIncompleteRun()
	if err != nil {
		return nil, err
	}
	if run == nil {
		runs, err := state.GetAllRuns()
		if err != nil {
			return nil, err
		}
		if len(runs) > 0 {
			run = &runs[0]
		}
	}

	result := &StatusResult{Run: run}
	if run != nil {
		if result.Rounds, err = state.GetRounds(run.ID); err != nil {
			return nil, err
		}
	}
	if result.Session, err = state.GetSession(sessionKeyOf(cfg)); err != nil {
		return nil, err
	}
	return result, nil
}

// RenderStatus formats a status for the terminal.
func RenderStatus(s *StatusResult) string {
	var sections []string

	if s.Session == nil {
		sections = append(sections, styleMuted.Render("No move session"))
	} else {
		state := "in progress"
		if s.Session.Finalized {
			state = "finalized"
		}
		watermark := "-"
		if s.Session.Watermark != nil {
			watermark = s.Session.Watermark.String()
		}
		sections = append(sections, styleTitle.Render("Session"), styleBox.Render(lipgloss.JoinVertical(lipgloss.Left,
			field("Move", s.Session.Key),
			field("State", statusText(state)),
			field("Rounds", s.Session.Rounds),
			field("Watermark", watermark),
			field("Updated", s.Session.UpdatedAt.Format("2006-01-02 15:04:05")),
		)))
	}

	if s.Run == nil {
		sections = append(sections, "", styleMuted.Render("No runs recorded"))
		return lipgloss.JoinVertical(lipgloss.Left, sections...)
	}

	r := s.Run
	lines := []string{
		field("Run", r.ID),
		field("Command", r.Command),
		field("Status", fmt.Sprintf("%s (%s)", statusText(r.Status), r.Phase)),
		field("Started", r.StartedAt.Format(time.RFC3339)),
	}
	if r.CompletedAt != nil {
		lines = append(lines, field("Duration", r.CompletedAt.Sub(r.StartedAt).Round(time.Second)))
	}
	if r.Error != "" {
		lines = append(lines, field("Error", styleError.Render(r.Error)))
	}
	sections = append(sections, "", styleTitle.Render("Last run"), styleBox.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))

	if len(s.Rounds) > 0 {
		sections = append(sections, "", renderRounds(s.Rounds))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderRounds(rounds []checkpoint.Round) string {
	rows := make([][]string, 0, len(rounds))
	for _, r := range rounds {
		watermark := "-"
		if r.Watermark != nil {
			watermark = r.Watermark.String()
		}
		outcome := statusText("success")
		if r.Finalized {
			outcome = statusText("finalized")
		}
		if r.Error != "" {
			outcome = statusText("failed")
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", r.Number), fmt.Sprintf("%d", r.Applied), watermark,
			fmt.Sprintf("%d", r.LoginsCopied), r.Duration.Round(time.Second).String(), outcome,
		})
	}
	return table([]string{"Round", "Applied", "Watermark", "Logins", "Duration", "Outcome"}, rows)
}

// History returns recent runs.
func (o *Orchestrator) History() ([]checkpoint.Run, error) {
	return o.state.GetAllRuns()
}

// RenderHistory formats recent runs for the terminal.
func RenderHistory(runs []checkpoint.Run) string {
	if len(runs) == 0 {
		return "No move history"
	}

	var rows [][]string
	for _, r := range runs {
		completed := "-"
		if r.CompletedAt != nil {
			completed = r.CompletedAt.Format("2006-01-02 15:04:05")
		}
		rows = append(rows, []string{
			r.ID, r.Command, r.StartedAt.Format("2006-01-02 15:04:05"), completed, statusText(r.Status), r.Source + " -> " + r.Destination,
		})
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		table([]string{"ID", "Command", "Started", "Completed", "Status", "Move"}, rows),
		"",
		styleMuted.Render("Use 'history --run <ID>' to view run details"),
	)
}

// RunDetails is one run with its rounds.
type RunDetails struct {
	Run    *checkpoint.Run    `json:"run"`
	Rounds []checkpoint.Round `json:"rounds"`
}

// RunDetails returns a run and its rounds.
func (o *Orchestrator) RunDetails(runID string) (*RunDetails, error) {
	return RunDetailsOf(o.state, runID)
}

// RunDetailsOf reads a run and its rounds from state.
func RunDetailsOf(state checkpoint.StateBackend, runID string) (*RunDetails, error) {
	run, err := state.GetRunByID(runID)
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	rounds, err := state.GetRounds(runID)
	if err != nil {
		return nil, fmt.Errorf("getting rounds: %w", err)
	}
	return &RunDetails{Run: run, Rounds: rounds}, nil
}

// RenderRunDetails formats a run, its rounds and its stored configuration.
func RenderRunDetails(d *RunDetails) string {
	r := d.Run
	lines := []string{
		field("Run ID", r.ID),
		field("Command", r.Command),
		field("Status", statusText(r.Status)),
		field("Phase", r.Phase),
		field("Source", r.Source),
		field("Destination", r.Destination),
		field("Started", r.StartedAt.Format("2006-01-02 15:04:05")),
	}
	if r.CompletedAt != nil {
		lines = append(lines,
			field("Completed", r.CompletedAt.Format("2006-01-02 15:04:05")),
			field("Duration", r.CompletedAt.Sub(r.StartedAt).Round(time.Second)))
	}
	if r.Error != "" {
		lines = append(lines, field("Error", styleError.Render(r.Error)))
	}

	sections := []string{styleBox.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))}
	if len(d.Rounds) > 0 {
		sections = append(sections, "", renderRounds(d.Rounds))
	}

	if r.Config != "" {
		sections = append(sections, "", styleTitle.Render("Configuration"))
		var cfg config.Config
		if err := json.Unmarshal([]byte(r.Config), &cfg); err == nil {
			prettyJSON, _ := json.MarshalIndent(cfg, "", "  ")
			sections = append(sections, string(prettyJSON))
		} else {
			sections = append(sections, r.Config)
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// WriteResult writes v to w as indented JSON, or the text rendering of it.
func WriteResult(w io.Writer, asJSON bool, v any, text func() string) error {
	if !asJSON {
		_, err := fmt.Fprintln(w, text())
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// ShowPlan writes the restore plan to the orchestrator's output.
func (o *Orchestrator) ShowPlan(ctx context.Context, asJSON bool) error {
	plan, err := o.Plan(ctx)
	if err != nil {
		return err
	}
	return WriteResult(o.out, asJSON, plan, func() string { return RenderPlan(plan) })
}
