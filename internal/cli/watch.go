package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"kvadmin/internal/models"
	kvprogress "kvadmin/internal/progress"
)

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job's progress live",
	Long: `Follow a job's progress. Updates stream over a WebSocket; if the
connection keeps dropping, kvadmin falls back to polling the API until
the job finishes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchJob(args[0])
	},
}

var watchPollOnly bool

func init() {
	watchCmd.Flags().BoolVar(&watchPollOnly, "poll", false, "poll the API instead of streaming over WebSocket")
	rootCmd.AddCommand(watchCmd)
}

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Warn    lipgloss.Color
	Hint    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Warn:    lipgloss.Color("#FFAF00"), // amber
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) warnStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Warn)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// snapshotMsg carries a progress snapshot from the observer.
type snapshotMsg kvprogress.Snapshot

// finishedMsg carries the observer's final outcome. delivered is false
// when the observer was detached before the job ended.
type finishedMsg struct {
	completion kvprogress.Completion
	delivered  bool
}

// watchModel is the bubbletea model for following one job.
type watchModel struct {
	jobID    string
	observer *kvprogress.Observer
	snapshot kvprogress.Snapshot
	final    *finishedMsg
	progress progress.Model
	theme    Theme
	quitting bool
}

func newWatchModel(jobID string, observer *kvprogress.Observer) watchModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return watchModel{
		jobID:    jobID,
		observer: observer,
		snapshot: observer.Snapshot(),
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init starts listening for observer events.
func (m watchModel) Init() tea.Cmd {
	return tea.Batch(
		m.waitForEvent(),
		m.progress.Init(),
	)
}

// waitForEvent blocks on the observer until it has something new.
func (m watchModel) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		select {
		case s, ok := <-m.observer.Updates():
			if ok {
				return snapshotMsg(s)
			}
			// Updates never closes before Done resolves; fall through.
			c, delivered := <-m.observer.Done()
			return finishedMsg{completion: c, delivered: delivered}
		case c, delivered := <-m.observer.Done():
			return finishedMsg{completion: c, delivered: delivered}
		}
	}
}

// Update handles messages and returns the updated model.
func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			m.observer.Detach()
			return m, tea.Quit
		}

	case snapshotMsg:
		m.snapshot = kvprogress.Snapshot(msg)
		return m, m.waitForEvent()

	case finishedMsg:
		m.final = &msg
		if msg.delivered {
			m.snapshot = kvprogress.Snapshot{
				Update:    msg.completion.Update,
				Transport: msg.completion.Transport,
			}
		}
		return m, tea.Quit

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m watchModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m watchModel) renderContent() string {
	if m.final != nil || m.quitting {
		return m.finalView()
	}

	u := m.snapshot.Update
	if u.JobID == "" {
		return "Connecting...\n"
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", u.Status))

	progressBar := m.progress.ViewAs(u.Percentage / 100)
	counts := fmt.Sprintf("%s/%s keys", humanize.Comma(int64(u.Processed)), humanize.Comma(int64(u.Total)))
	if u.Errors > 0 {
		counts += m.theme.warnStyle().Render(fmt.Sprintf(" (%d errors)", u.Errors))
	}

	line := fmt.Sprintf("%s %s %s", status, progressBar, counts)
	if m.snapshot.Degraded {
		line += m.theme.warnStyle().Render("  [degraded: polling]")
	}

	detail := ""
	if u.CurrentKey != "" {
		detail = m.theme.hintStyle().Render("  "+u.CurrentKey) + "\n"
	}

	hint := m.theme.hintStyle().Render("Press Ctrl+C to stop watching (the job keeps running)")
	return fmt.Sprintf("%s\n%s%s\n", line, detail, hint)
}

// finalView renders the completion message.
func (m watchModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nJob %s continues in background.\nUse 'kvadmin jobs %s' to check status.\n",
			m.jobID, m.jobID)
		return m.theme.hintStyle().Render(msg)
	}

	if m.final != nil && m.final.completion.Err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Lost track of job: %s\n", m.final.completion.Err))
	}

	u := m.snapshot.Update
	switch u.Status {
	case models.StatusFailed:
		msg := "job failed"
		if u.Error != "" {
			msg = u.Error
		}
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Job failed: %s\n", msg))

	case models.StatusCancelled:
		return m.theme.warnStyle().Render(fmt.Sprintf("\n⊘ Job cancelled after %d of %d keys\n", u.Processed, u.Total))
	}

	output := m.theme.completedStyle().Render("✓ Completed") + "\n"
	if len(u.Result) > 0 {
		output += "\n"
		keys := make([]string, 0, len(u.Result))
		for k := range u.Result {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			output += fmt.Sprintf("  %s: %v\n", k, u.Result[k])
		}
	}
	return output
}

// watchJob runs the interactive progress UI for a job. Returns nil on
// completion or Ctrl+C (job continues in background), error on failure.
func watchJob(jobID string) error {
	// Make sure the job exists before drawing anything.
	ctx := context.Background()
	if _, err := apiClient.GetJob(ctx, jobID); err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	logger := watchLogger()
	var channel kvprogress.Transport
	if !watchPollOnly {
		channel = kvprogress.NewChannelTransport(apiClient.BaseURL(), logger)
	}
	poll := kvprogress.NewPollTransport(apiClient, cfg.PollInterval, logger)

	observer := kvprogress.NewObserver(jobID, channel, poll, kvprogress.ObserverOptions{}, logger)
	observer.Watch(ctx)
	defer observer.Detach()

	p := tea.NewProgram(newWatchModel(jobID, observer))
	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(watchModel); ok {
		// If user quit with Ctrl+C, job continues in background - not an error
		if m.quitting {
			return nil
		}
		if m.final != nil && m.final.completion.Err != nil {
			return m.final.completion.Err
		}
		if m.snapshot.Update.Status == models.StatusFailed {
			if m.snapshot.Update.Error != "" {
				return fmt.Errorf("job failed: %s", m.snapshot.Update.Error)
			}
			return fmt.Errorf("job failed")
		}
	}
	return nil
}

// watchLogger logs transport chatter to the configured log file only, so
// reconnect warnings never tear up the TUI. If the file cannot be opened
// the chatter is dropped.
func watchLogger() *slog.Logger {
	file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewJSONHandler(file, &slog.HandlerOptions{Level: cfg.LogLevel}))
}
