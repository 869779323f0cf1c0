package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/parleyio/parley/internal/config"
	"github.com/parleyio/parley/internal/history"
	"github.com/parleyio/parley/internal/transcript"
	"github.com/parleyio/parley/pkg/audio/portaudio"
)

// theme is the terminal colour scheme.
type theme struct {
	primary lipgloss.Color
	accent  lipgloss.Color
	dim     lipgloss.Color
}

var defaultTheme = theme{
	primary: lipgloss.Color("#00ff9f"),
	accent:  lipgloss.Color("#7aa2f7"),
	dim:     lipgloss.Color("#6e7681"),
}

// styles holds the lipgloss styles derived from a theme.
type styles struct {
	title lipgloss.Style
	label lipgloss.Style
	user  lipgloss.Style
	model lipgloss.Style
	help  lipgloss.Style
	panel lipgloss.Style
}

func newStyles(t theme) styles {
	return styles{
		title: lipgloss.NewStyle().Bold(true).Foreground(t.primary),
		label: lipgloss.NewStyle().Bold(true).Foreground(t.primary),
		user:  lipgloss.NewStyle().Bold(true).Foreground(t.primary),
		model: lipgloss.NewStyle().Bold(true).Foreground(t.accent),
		help:  lipgloss.NewStyle().Foreground(t.dim),
		panel: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(t.primary).
			Padding(0, 1),
	}
}

// renderTurn formats one finalised transcript turn for the terminal.
func renderTurn(st styles, turn transcript.Turn) string {
	speaker := st.model.Render("model ▸")
	if turn.Role == transcript.RoleUser {
		speaker = st.user.Render("you   ▸")
	}
	stamp := st.help.Render(turn.At.Local().Format("15:04:05"))
	return fmt.Sprintf("%s %s %s", stamp, speaker, turn.Text)
}

// renderSummary draws the startup panel describing the configured
// conversation.
func renderSummary(st styles, cfg *config.Config) string {
	orDefault := func(v, fallback string) string {
		if v == "" {
			return st.help.Render(fallback)
		}
		return v
	}

	historyLine := st.help.Render("disabled")
	if cfg.History.Path != "" {
		historyLine = cfg.History.Path
	}
	metricsLine := st.help.Render("disabled")
	if cfg.Metrics.ListenAddr != "" {
		metricsLine = "http://" + cfg.Metrics.ListenAddr + "/metrics"
	}

	rows := []string{
		st.title.Render("parley"),
		st.label.Render("provider  ") + cfg.Provider.Name,
		st.label.Render("model     ") + orDefault(cfg.Provider.Model, "provider default"),
		st.label.Render("voice     ") + orDefault(cfg.Session.Voice, "provider default"),
		st.label.Render("mic       ") + orDefault(cfg.Audio.InputDevice, "system default"),
		st.label.Render("speaker   ") + orDefault(cfg.Audio.OutputDevice, "system default"),
		st.label.Render("history   ") + historyLine,
		st.label.Render("metrics   ") + metricsLine,
	}
	return st.panel.Render(strings.Join(rows, "\n"))
}

// renderDevices formats the host's audio device table.
func renderDevices(st styles, devices []portaudio.DeviceInfo) string {
	if len(devices) == 0 {
		return st.help.Render("no audio devices found")
	}
	var b strings.Builder
	b.WriteString(st.title.Render("audio devices"))
	for _, d := range devices {
		marker := ""
		if d.IsDefaultInput {
			marker += " " + st.label.Render("[default input]")
		}
		if d.IsDefaultOutput {
			marker += " " + st.label.Render("[default output]")
		}
		b.WriteString(fmt.Sprintf("\n%3d  %s%s\n", d.Index, d.Name, marker))
		b.WriteString(st.help.Render(fmt.Sprintf(
			"     in %d ch / out %d ch, %.0f Hz",
			d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate,
		)))
	}
	return b.String()
}

// renderRecent formats the saved-conversation listing, newest first.
func renderRecent(st styles, convs []history.Conversation) string {
	if len(convs) == 0 {
		return st.help.Render("no saved conversations")
	}
	var b strings.Builder
	b.WriteString(st.title.Render("recent conversations"))
	for _, c := range convs {
		b.WriteString(fmt.Sprintf("\n%s  %s  %3d turns  %s",
			st.help.Render(c.StartedAt.Local().Format("2006-01-02 15:04")),
			st.label.Render(fmt.Sprintf("%-16s", c.Provider)),
			c.Turns,
			st.help.Render(c.ID),
		))
	}
	return b.String()
}
