// Package tui is the terminal front-end of a live conversation: it drives a
// Conversation with single keys and renders its state, transcript and
// input level.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vango-go/vai-live/pkg/core"
	"github.com/vango-go/vai-live/pkg/core/live"
	"github.com/vango-go/vai-live/pkg/history"
)

const refreshInterval = 100 * time.Millisecond

// Conversation is the part of *live.Controller the UI drives.
type Conversation interface {
	Start(ctx context.Context) error
	Pause() error
	Resume() error
	Stop()
	Acknowledge()
	Snapshot() live.Snapshot
}

// Info is static session metadata shown in the header.
type Info struct {
	Transport string
	Model     string
	Voice     string
	Language  string
	Profile   string
}

// Model is the root bubbletea model.
type Model struct {
	conv   Conversation
	events <-chan live.Event
	info   Info

	snap     live.Snapshot
	previous *history.Transcript

	starting bool
	stopping bool

	errorMessage   string
	errorTransient bool

	width  int
	height int
	scroll int
}

// New returns a model for conv. events is a controller subscription; the
// model reads it until it is closed. previous, when non-nil, is the last
// recorded session of the profile and is shown until a new one starts.
func New(conv Conversation, events <-chan live.Event, info Info, previous *history.Transcript) Model {
	return Model{
		conv:     conv,
		events:   events,
		info:     info,
		snap:     conv.Snapshot(),
		previous: previous,
	}
}

// Init starts the event reader and the refresh ticker.
func (m Model) Init() tea.Cmd {
	return tea.Batch(readEventCmd(m.events), tickCmd())
}

func readEventCmd(events <-chan live.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return EventsClosedMsg{}
		}
		return ControllerEventMsg{Event: ev}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return TickMsg{}
	})
}

func startCmd(conv Conversation) tea.Cmd {
	return func() tea.Msg {
		return StartResultMsg{Err: conv.Start(context.Background())}
	}
}

func stopCmd(conv Conversation, quit bool) tea.Cmd {
	return func() tea.Msg {
		conv.Stop()
		return StopResultMsg{Quit: quit}
	}
}

func pauseCmd(conv Conversation, pause bool) tea.Cmd {
	return func() tea.Msg {
		var err error
		if pause {
			err = conv.Pause()
		} else {
			err = conv.Resume()
		}
		if err != nil {
			return ControlErrorMsg{Err: err}
		}
		return nil
	}
}

func clearTransientErrorCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(time.Time) tea.Msg {
		return ClearTransientErrorMsg{}
	})
}

// Update processes messages and returns the updated model and any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m.snap = m.conv.Snapshot()
		return m, tickCmd()

	case ControllerEventMsg:
		cmd := m.handleEvent(msg.Event)
		m.snap = m.conv.Snapshot()
		return m, tea.Batch(cmd, readEventCmd(m.events))

	case EventsClosedMsg:
		return m, nil

	case StartResultMsg:
		m.starting = false
		m.snap = m.conv.Snapshot()
		if msg.Err != nil {
			m.errorMessage = describeError(msg.Err)
			m.errorTransient = false
		}
		return m, nil

	case StopResultMsg:
		m.stopping = false
		m.snap = m.conv.Snapshot()
		if msg.Quit {
			return m, tea.Quit
		}
		return m, nil

	case ControlErrorMsg:
		m.errorMessage = describeError(msg.Err)
		m.errorTransient = true
		return m, clearTransientErrorCmd()

	case ClearTransientErrorMsg:
		if m.errorTransient {
			m.errorMessage = ""
			m.errorTransient = false
		}
		return m, nil
	}
	return m, nil
}

// handleEvent applies a controller event.
func (m *Model) handleEvent(ev live.Event) tea.Cmd {
	switch e := ev.(type) {
	case *live.SessionStartedEvent:
		m.previous = nil
		m.scroll = 0
		m.errorMessage = ""
	case *live.TurnFinalizedEvent:
		m.scroll = 0
	case *live.ErrorEvent:
		if e.Err == nil {
			return nil
		}
		m.errorMessage = describeError(e.Err)
		m.errorTransient = !e.Fatal
		if m.errorTransient {
			return clearTransientErrorCmd()
		}
	}
	return nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	state := m.snap.State
	switch msg.String() {
	case KeyQuit, KeyQuitUpper, KeyCtrlC:
		if m.stopping {
			return m, nil
		}
		if state == live.StateIdle {
			return m, tea.Quit
		}
		m.stopping = true
		return m, stopCmd(m.conv, true)

	case KeySpace:
		if state == live.StateIdle {
			return m.start()
		}
		return m.stop()

	case KeyStart:
		return m.start()

	case KeyStop:
		return m.stop()

	case KeyPause:
		switch state {
		case live.StateLive:
			return m, pauseCmd(m.conv, true)
		case live.StatePaused:
			return m, pauseCmd(m.conv, false)
		}
		return m, nil

	case KeyEnter, KeyEsc:
		if state == live.StateError {
			m.conv.Acknowledge()
			m.snap = m.conv.Snapshot()
		}
		m.errorMessage = ""
		m.errorTransient = false
		return m, nil

	case KeyUp, KeyK:
		if m.scroll < m.maxScroll() {
			m.scroll++
		}
		return m, nil

	case KeyDown, KeyJ:
		if m.scroll > 0 {
			m.scroll--
		}
		return m, nil
	}
	return m, nil
}

func (m Model) start() (tea.Model, tea.Cmd) {
	if m.starting || m.snap.State != live.StateIdle {
		return m, nil
	}
	m.starting = true
	m.errorMessage = ""
	return m, startCmd(m.conv)
}

func (m Model) stop() (tea.Model, tea.Cmd) {
	if m.stopping || m.snap.State == live.StateIdle {
		return m, nil
	}
	m.stopping = true
	return m, stopCmd(m.conv, false)
}

// describeError renders the user-facing reason for a failure.
func describeError(err error) string {
	var coreErr *core.Error
	if !errors.As(err, &coreErr) {
		return err.Error()
	}
	switch coreErr.Code {
	case core.CodeInvalidCredential:
		return "API key is invalid. Check your configuration."
	case core.CodeQuotaExceeded:
		return "Quota exceeded. Try again later."
	case core.CodeServiceUnavailable:
		return "The service is temporarily unavailable."
	case core.CodeModelNotFound:
		return "Model not found: " + coreErr.Message
	case core.CodeNetwork:
		return "Network error: " + coreErr.Message
	case core.CodeTimeout:
		return "Timed out connecting to the service."
	}
	switch coreErr.Type {
	case core.ErrPermission:
		return "Microphone permission denied: " + coreErr.Message
	case core.ErrDevice:
		return "Audio device error: " + coreErr.Message
	}
	return coreErr.Message
}

// View renders the UI.
func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	sections := []string{
		m.renderHeader(),
		m.renderStatusBar(),
		DividerStyle.Render(strings.Repeat("─", m.width)),
		m.renderTranscript(m.transcriptHeight()),
		DividerStyle.Render(strings.Repeat("─", m.width)),
	}
	if m.errorMessage != "" {
		sections = append(sections, ErrorStyle.Render("Error: ")+ErrorTextStyle.Render(m.errorMessage))
	}
	sections = append(sections, m.renderFooter())
	return strings.Join(sections, "\n")
}

func (m Model) renderHeader() string {
	title := TitleStyle.Render("VAI LIVE")
	var parts []string
	for _, p := range []string{m.info.Transport, m.info.Model, m.info.Voice, m.info.Language} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	meta := ""
	if len(parts) > 0 {
		meta = DimStyle.Render("  " + strings.Join(parts, " · "))
	}
	profile := ""
	if m.info.Profile != "" {
		profile = DimStyle.Render("  [" + m.info.Profile + "]")
	}
	return title + meta + profile
}

func (m Model) renderStatusBar() string {
	badge := stateBadge(m.snap.State, m.starting, m.stopping)
	var parts []string
	parts = append(parts, badge)
	if m.snap.State == live.StateLive || m.snap.State == live.StatePaused {
		parts = append(parts, renderLevelMeter("MIC", m.snap.InputLevel))
		if !m.snap.StartedAt.IsZero() {
			parts = append(parts, StatusStyle.Render(formatElapsed(time.Since(m.snap.StartedAt))))
		}
		if m.snap.PendingSegments > 0 {
			parts = append(parts, StatusStyle.Render(fmt.Sprintf("♪ %d", m.snap.PendingSegments)))
		}
	}
	return strings.Join(parts, "  ")
}

func stateBadge(state live.SessionState, starting, stopping bool) string {
	switch {
	case stopping:
		return BusyBadgeStyle.Render("◌ STOPPING")
	case starting && state == live.StateIdle:
		return BusyBadgeStyle.Render("◌ STARTING")
	}
	switch state {
	case live.StateLive:
		return LiveBadgeStyle.Render("● LIVE")
	case live.StatePaused:
		return PausedBadgeStyle.Render("❚❚ PAUSED")
	case live.StateConnecting:
		return BusyBadgeStyle.Render("◌ CONNECTING")
	case live.StateClosing:
		return BusyBadgeStyle.Render("◌ CLOSING")
	case live.StateError:
		return ErrorStyle.Render("✕ ERROR")
	}
	return IdleBadgeStyle.Render("○ IDLE")
}

func renderLevelMeter(label string, level float64) string {
	const barLen = 10
	// Speech RMS rarely exceeds 0.25.
	filled := int(level * 4 * barLen)
	if filled > barLen {
		filled = barLen
	}
	var b strings.Builder
	for i := 0; i < barLen; i++ {
		switch {
		case i >= filled:
			b.WriteString(LevelGrayStyle.Render("░"))
		case float64(i)/barLen > 0.6:
			b.WriteString(LevelYellowStyle.Render("█"))
		default:
			b.WriteString(LevelGreenStyle.Render("█"))
		}
	}
	return UserLabelStyle.Render(label) + " " + b.String()
}

func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	return fmt.Sprintf("%02d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}

func (m Model) transcriptHeight() int {
	// header, status, two dividers, footer, and the error bar when shown
	h := m.height - 5
	if m.errorMessage != "" {
		h--
	}
	if h < 1 {
		h = 1
	}
	return h
}

// transcriptLines renders every transcript line at the current width.
func (m Model) transcriptLines() []string {
	width := m.width
	var lines []string

	turns := m.snap.History
	dim := false
	if len(turns) == 0 && m.previous != nil && len(m.previous.Turns) > 0 {
		turns = m.previous.Turns
		dim = true
		started := m.previous.Session.StartedAt.Local().Format("Jan 2 15:04")
		lines = append(lines, DimStyle.Render("Previous session · "+started))
	}

	for _, turn := range turns {
		lines = append(lines, renderTurn(turn.Speaker, turn.Text, turn.At, width, dim, false)...)
	}
	if m.snap.PendingUser != "" {
		lines = append(lines, renderTurn(live.SpeakerUser, m.snap.PendingUser, time.Time{}, width, false, true)...)
	}
	if m.snap.PendingModel != "" {
		lines = append(lines, renderTurn(live.SpeakerModel, m.snap.PendingModel, time.Time{}, width, false, true)...)
	}
	if len(lines) == 0 {
		lines = append(lines, DimStyle.Render("Press space to start talking."))
	}
	return lines
}

func renderTurn(speaker live.Speaker, text string, at time.Time, width int, dim, partial bool) []string {
	label := UserLabelStyle.Render("You")
	if speaker == live.SpeakerModel {
		label = ModelLabelStyle.Render("AI ")
	}
	stamp := "     "
	if !at.IsZero() {
		stamp = at.Local().Format("15:04")
	}
	prefix := TimestampStyle.Render(stamp) + " " + label + " "
	prefixWidth := lipgloss.Width(prefix)

	wrapped := wrapText(text, width-prefixWidth)
	lines := make([]string, 0, len(wrapped))
	indent := strings.Repeat(" ", prefixWidth)
	for i, line := range wrapped {
		switch {
		case partial:
			line = PartialTextStyle.Render(line)
		case dim:
			line = DimStyle.Render(line)
		}
		if i == 0 {
			lines = append(lines, prefix+line)
		} else {
			lines = append(lines, indent+line)
		}
	}
	return lines
}

func (m Model) maxScroll() int {
	n := len(m.transcriptLines()) - m.transcriptHeight()
	if n < 0 {
		return 0
	}
	return n
}

func (m Model) renderTranscript(height int) string {
	lines := m.transcriptLines()
	end := len(lines) - m.scroll
	if end < 0 {
		end = 0
	}
	start := end - height
	if start < 0 {
		start = 0
	}
	visible := append([]string(nil), lines[start:end]...)
	for len(visible) < height {
		visible = append(visible, "")
	}
	return strings.Join(visible, "\n")
}

func (m Model) renderFooter() string {
	key := func(k, desc string) string {
		return FooterKeyStyle.Render(k) + FooterDescStyle.Render(" "+desc)
	}
	var parts []string
	switch m.snap.State {
	case live.StateIdle:
		parts = append(parts, key("Space", "Start"))
	case live.StateLive:
		parts = append(parts, key("Space", "Stop"), key("p", "Pause"))
	case live.StatePaused:
		parts = append(parts, key("Space", "Stop"), key("p", "Resume"))
	case live.StateError:
		parts = append(parts, key("Enter", "Dismiss"))
	}
	parts = append(parts, key("↑↓", "Scroll"), key("q", "Quit"))
	return strings.Join(parts, "  ")
}

func wrapText(text string, width int) []string {
	if width <= 0 {
		return []string{text}
	}
	var lines []string
	for _, paragraph := range strings.Split(text, "\n") {
		var current string
		for _, word := range strings.Fields(paragraph) {
			switch {
			case current == "":
				current = word
			case len(current)+1+len(word) <= width:
				current += " " + word
			default:
				lines = append(lines, current)
				current = word
			}
		}
		lines = append(lines, current)
	}
	if len(lines) == 0 {
		return []string{""}
	}
	return lines
}
