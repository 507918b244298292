package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"carbonlog/beep"
	"carbonlog/clipboard"
	"carbonlog/estimator"
	"carbonlog/pipeline"
	"carbonlog/present"
)

// TUI message types
type snapshotMsg struct{} // pipeline changed; the model re-reads it
type RecordingTickMsg struct{ Elapsed time.Duration }
type AudioLevelMsg struct{ Level float64 }
type NoVoiceMsg struct{ On bool }
type DeviceLineMsg struct{ Text string }
type authExpiredMsg struct{ Username string }
type loginDoneMsg struct{ err error }
type copiedMsg struct{ err error }
type opDoneMsg struct{ err error }
type tickMsg time.Time

type tuiMode int

const (
	modeEditor tuiMode = iota
	modeLogin
)

type loginForm struct {
	username []rune
	password []rune
	focus    int // 0 username, 1 password
	register bool
	busy     bool
	err      string
}

type tuiModel struct {
	app           *app
	mode          tuiMode
	snap          pipeline.Snapshot
	form          loginForm
	frame         int
	width, height int
	level         float64
	peakLevel     float64
	elapsed       time.Duration
	noVoice       bool
	deviceLine    string
	hint          string // transient feedback for rejected keys
	copied        string
}

var (
	tuiProgram *tea.Program
	tuiMu      sync.Mutex
)

var (
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	helpKeyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	recStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	busyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	textStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("238")).Padding(0, 1)
	focusBox     = boxStyle.BorderForeground(lipgloss.Color("42"))

	meterColors = []string{"28", "34", "40", "76", "112", "148", "184", "220", "214", "208", "202", "196"}
)

var spinner = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

func NewTUIProgram(a *app) *tea.Program {
	m := tuiModel{app: a, snap: a.orch.Snapshot()}
	if !a.sess.Authenticated() {
		m.mode = modeLogin
		m.form.username = []rune(a.sess.Username())
		if len(m.form.username) > 0 {
			m.form.focus = 1
		}
	}
	return tea.NewProgram(m, tea.WithAltScreen())
}

func tuiSend(msg tea.Msg) {
	tuiMu.Lock()
	p := tuiProgram
	tuiMu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

// tuiSink forwards events to the running program. Events that can originate
// inside Update are sent from a fresh goroutine so they never wait on the
// loop that is delivering them.
type tuiSink struct{}

func (tuiSink) Snapshot(pipeline.Snapshot)          { go tuiSend(snapshotMsg{}) }
func (tuiSink) RecordingTick(elapsed time.Duration) { tuiSend(RecordingTickMsg{Elapsed: elapsed}) }
func (tuiSink) AudioLevel(level float64)            { tuiSend(AudioLevelMsg{Level: level}) }
func (tuiSink) NoVoiceWarning(on bool)              { tuiSend(NoVoiceMsg{On: on}) }
func (tuiSink) DeviceLine(text string)              { tuiSend(DeviceLineMsg{Text: text}) }
func (tuiSink) AuthExpired(username string)         { go tuiSend(authExpiredMsg{Username: username}) }

func tuiTick() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.mode == modeLogin {
			return m.updateLogin(msg)
		}
		return m.updateEditor(msg)

	case tickMsg:
		m.frame++
		return m, tuiTick()

	case snapshotMsg:
		wasRecording := m.snap.Recording
		m.snap = m.app.orch.Snapshot()
		if m.snap.Recording && !wasRecording {
			m.elapsed = 0
			m.level = 0
			m.peakLevel = 0
		}
		if !m.snap.Recording {
			m.level = 0
			m.noVoice = false
		}

	case RecordingTickMsg:
		m.elapsed = msg.Elapsed

	case AudioLevelMsg:
		if m.snap.Recording {
			m.level = m.level*0.6 + msg.Level*0.4
			m.peakLevel = max(m.peakLevel, msg.Level)
		}

	case NoVoiceMsg:
		m.noVoice = msg.On

	case DeviceLineMsg:
		m.deviceLine = msg.Text

	case authExpiredMsg:
		m.mode = modeLogin
		m.form = loginForm{
			username: []rune(msg.Username),
			focus:    1,
			err:      "Session expired. Log in again to keep submitting.",
		}
		m.snap = m.app.orch.Snapshot()

	case loginDoneMsg:
		m.form.busy = false
		if msg.err != nil {
			m.form.err = msg.err.Error()
			m.form.password = nil
			return m, nil
		}
		m.form = loginForm{}
		m.mode = modeEditor
		m.snap = m.app.orch.Snapshot()

	case copiedMsg:
		if msg.err != nil {
			m.copied = "copy failed: " + msg.err.Error()
		} else {
			m.copied = "✓ copied"
		}

	case opDoneMsg:
		m.hint = ""
		if pipeline.KindOf(msg.err) == pipeline.KindPrecondition {
			m.hint = msg.err.Error()
		}
		m.snap = m.app.orch.Snapshot()
	}
	return m, nil
}

func (m tuiModel) updateEditor(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	o := m.app.orch
	m.hint = ""
	switch msg.String() {
	case "ctrl+r":
		if m.snap.Recording {
			return m, runOp(func(ctx context.Context) error {
				_, err := o.StopRecording(ctx)
				return err
			})
		}
		return m, runOp(o.StartRecording)
	case "enter":
		return m, submitCmd(o)
	case "esc":
		m.copied = ""
		if m.snap.Recording {
			return m, runOp(func(context.Context) error {
				o.CancelRecording()
				return nil
			})
		}
		o.Dismiss()
		m.snap = o.Snapshot()
		return m, nil
	case "ctrl+y":
		return m, copyCmd(m.snap.Result)
	case "ctrl+u":
		m.edit("")
		return m, nil
	case "ctrl+j":
		m.edit(m.snap.Text + "\n")
		return m, nil
	case "backspace":
		r := []rune(m.snap.Text)
		if len(r) > 0 {
			m.edit(string(r[:len(r)-1]))
		}
		return m, nil
	}
	switch msg.Type {
	case tea.KeyRunes, tea.KeySpace:
		m.edit(m.snap.Text + string(msg.Runes))
	}
	return m, nil
}

func (m *tuiModel) edit(text string) {
	o := m.app.orch
	if err := o.SetText(text); err != nil {
		m.hint = err.Error()
		return
	}
	m.snap = o.Snapshot()
}

func (m tuiModel) updateLogin(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	f := &m.form
	if f.busy {
		return m, nil
	}
	field := &f.username
	if f.focus == 1 {
		field = &f.password
	}
	switch msg.String() {
	case "tab", "shift+tab", "up", "down":
		f.focus = 1 - f.focus
	case "ctrl+n":
		f.register = !f.register
		f.err = ""
	case "esc":
		if m.app.sess.Authenticated() {
			m.mode = modeEditor
		}
	case "enter":
		if f.focus == 0 {
			f.focus = 1
			return m, nil
		}
		f.busy = true
		f.err = ""
		a, username, password, register := m.app, string(f.username), string(f.password), f.register
		return m, func() tea.Msg {
			return loginDoneMsg{err: a.login(context.Background(), strings.TrimSpace(username), password, register)}
		}
	case "backspace":
		if n := len(*field); n > 0 {
			*field = (*field)[:n-1]
		}
	default:
		if msg.Type == tea.KeyRunes || msg.Type == tea.KeySpace {
			*field = append(*field, msg.Runes...)
		}
	}
	return m, nil
}

// runOp runs a blocking pipeline call off the event loop.
func runOp(op func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		return opDoneMsg{err: op(context.Background())}
	}
}

func submitCmd(o *pipeline.Orchestrator) tea.Cmd {
	return func() tea.Msg {
		_, err := o.Submit(context.Background())
		switch kind := pipeline.KindOf(err); {
		case err == nil:
			beep.PlaySuccess()
		case kind != pipeline.KindPrecondition:
			beep.PlayError()
		}
		return opDoneMsg{err: err}
	}
}

func copyCmd(res *estimator.Result) tea.Cmd {
	sum := present.New(res)
	if sum.Empty() {
		return nil
	}
	return func() tea.Msg {
		return copiedMsg{err: clipboard.Copy(sum.String())}
	}
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}
	if m.mode == modeLogin {
		return m.viewLogin()
	}

	const sideWidth = 34
	side := lipgloss.NewStyle().Width(sideWidth).Height(m.height).Render(strings.Join(m.sideLines(), "\n"))

	mainWidth := max(m.width-sideWidth-1, 24)
	panel := lipgloss.NewStyle().
		Width(mainWidth).
		Height(m.height).
		PaddingLeft(1).
		Render(m.mainPanel(mainWidth - 2))

	return lipgloss.JoinHorizontal(lipgloss.Top, side, panel)
}

func (m tuiModel) sideLines() []string {
	lines := []string{titleStyle.Render("carbonlog") + " " + dimStyle.Render(version), ""}
	lines = append(lines, m.statusLine())
	if m.snap.Recording {
		lines = append(lines, renderMeter(m.level, 24))
		// Voice detection warning (after 1s of recording with no voice)
		if m.noVoice || (m.elapsed > time.Second && m.peakLevel < speechLevel) {
			lines = append(lines, warnStyle.Render("⚠ no voice detected"))
		}
	}
	lines = append(lines, "")
	if m.deviceLine != "" {
		lines = append(lines, dimStyle.Render(m.deviceLine))
	}
	if user := m.app.sess.Username(); user != "" {
		lines = append(lines, dimStyle.Render("user: "+user))
	}
	if n := m.snap.Submissions; n > 0 {
		lines = append(lines, dimStyle.Render(fmt.Sprintf("submitted: %d", n)))
	}
	lines = append(lines, "")
	for _, h := range [][2]string{
		{"ctrl+r", "record / stop"},
		{"enter", "submit"},
		{"ctrl+j", "new line"},
		{"ctrl+u", "clear text"},
		{"ctrl+y", "copy result"},
		{"esc", "dismiss / cancel"},
		{"ctrl+c", "quit"},
	} {
		lines = append(lines, helpKeyStyle.Render(fmt.Sprintf("%-7s", h[0]))+helpStyle.Render(" "+h[1]))
	}
	return lines
}

func (m tuiModel) statusLine() string {
	spin := spinner[m.frame%len(spinner)]
	switch {
	case m.snap.Recording:
		return recStyle.Render(fmt.Sprintf("● REC %.1fs", m.elapsed.Seconds()))
	case m.snap.State == pipeline.Transcribing:
		return busyStyle.Render(spin + " transcribing")
	case m.snap.State == pipeline.Submitting:
		return busyStyle.Render(spin + " submitting")
	case m.snap.State == pipeline.Succeeded:
		return okStyle.Render("✓ logged")
	case m.snap.State == pipeline.Failed:
		return errStyle.Render("✗ not logged")
	}
	return dimStyle.Render("○ ready")
}

func (m tuiModel) mainPanel(width int) string {
	var b strings.Builder

	b.WriteString(dimStyle.Render("Describe your activity") + "\n")
	text := m.snap.Text
	editable := !m.snap.State.Busy()
	if editable && m.frame/6%2 == 0 {
		text += "█"
	}
	var body []string
	for _, line := range wrapText(text, width-4) {
		body = append(body, textStyle.Render(line))
	}
	box := boxStyle
	if editable {
		box = focusBox
	}
	b.WriteString(box.Width(width-2).Render(strings.Join(body, "\n")) + "\n")

	if m.hint != "" {
		b.WriteString(warnStyle.Render(m.hint) + "\n")
	}
	if m.snap.Notice != nil {
		style := warnStyle
		if !pipeline.KindOf(m.snap.Notice).Dismissible() {
			style = errStyle
		}
		for _, line := range wrapText(noticeText(m.snap.Notice), width) {
			b.WriteString(style.Render(line) + "\n")
		}
		b.WriteString(helpStyle.Render("esc to dismiss") + "\n")
	}

	b.WriteString("\n")
	b.WriteString(renderResult(present.New(m.snap.Result), m.snap.Submissions, m.copied, width))
	return b.String()
}

func renderResult(sum present.Summary, n int, copied string, width int) string {
	if sum.Empty() {
		return dimStyle.Render("Nothing logged yet")
	}
	var b strings.Builder
	b.WriteString(dimStyle.Render(fmt.Sprintf("Last submission (#%d)", n)))
	if copied != "" {
		b.WriteString(" " + okStyle.Render("["+copied+"]"))
	}
	b.WriteString("\n\n")
	b.WriteString(titleStyle.Render(sum.Total()) + "\n")

	labelWidth := 0
	for e := range sum.Items() {
		labelWidth = max(labelWidth, len(e.Label))
	}
	for e := range sum.Items() {
		line := fmt.Sprintf("  %-*s  %-10s %s", labelWidth, e.Label, e.Quantity, e.CO2e)
		b.WriteString(textStyle.Render(line) + "\n")
	}
	if un := sum.Unrecognized(); len(un) > 0 {
		b.WriteString("\n")
		for _, line := range wrapText("Not recognized: "+strings.Join(un, "; "), width) {
			b.WriteString(warnStyle.Render(line) + "\n")
		}
	}
	if msg := sum.Message(); msg != "" {
		b.WriteString("\n" + dimStyle.Render(msg) + "\n")
	}
	return b.String()
}

// renderMeter draws level as a bar of width cells. Speech peaks around 0.1 RMS,
// so the scale is stretched to keep normal speech mid-bar.
func renderMeter(level float64, width int) string {
	filled := int(min(level*5, 1) * float64(width))
	var b strings.Builder
	for i := 0; i < width; i++ {
		if i >= filled {
			b.WriteString(helpStyle.Render("·"))
			continue
		}
		c := meterColors[i*len(meterColors)/width]
		b.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color(c)).Render("█"))
	}
	return b.String()
}

// noticeText turns a pipeline error into what the user is told.
func noticeText(err error) string {
	switch pipeline.KindOf(err) {
	case pipeline.KindDevice:
		return "Microphone unavailable: " + err.Error()
	case pipeline.KindEmptyTranscript:
		return "No speech recognized. Try again or type your activity."
	case pipeline.KindServiceUnavailable:
		return "Transcription failed: " + err.Error()
	case pipeline.KindConnectivity:
		return "Cannot reach the server. Check your connection and try again."
	case pipeline.KindRejected:
		return "Not logged: " + err.Error()
	case pipeline.KindAuthExpired:
		return "Session expired. Please log in again."
	case pipeline.KindCancelled:
		return "Cancelled."
	}
	return err.Error()
}

func (m tuiModel) viewLogin() string {
	f := m.form
	title := "Log in"
	if f.register {
		title = "Create account"
	}

	field := func(label string, value []rune, focused, mask bool) string {
		v := string(value)
		if mask {
			v = strings.Repeat("•", len(value))
		}
		if focused && m.frame/6%2 == 0 {
			v += "█"
		}
		box := boxStyle
		if focused {
			box = focusBox
		}
		return dimStyle.Render(label) + "\n" + box.Width(32).Render(v)
	}

	lines := []string{
		titleStyle.Render("carbonlog") + " " + dimStyle.Render(version),
		"",
		lipgloss.NewStyle().Bold(true).Render(title),
		"",
		field("username", f.username, f.focus == 0, false),
		field("password", f.password, f.focus == 1, true),
		"",
	}
	switch {
	case f.busy:
		lines = append(lines, busyStyle.Render(spinner[m.frame%len(spinner)]+" contacting auth service"))
	case f.err != "":
		for _, line := range wrapText(f.err, 60) {
			lines = append(lines, errStyle.Render(line))
		}
	}
	lines = append(lines, "",
		helpKeyStyle.Render("enter")+helpStyle.Render(" next / submit  ")+
			helpKeyStyle.Render("tab")+helpStyle.Render(" switch field"),
		helpKeyStyle.Render("ctrl+n")+helpStyle.Render(" toggle register  ")+
			helpKeyStyle.Render("ctrl+c")+helpStyle.Render(" quit"),
	)
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, strings.Join(lines, "\n"))
}

// wrapText breaks text into lines of at most width runes, preferring spaces
// and keeping explicit newlines.
func wrapText(text string, width int) []string {
	if width <= 0 {
		width = 1
	}
	var lines []string
	for _, para := range strings.Split(text, "\n") {
		r := []rune(para)
		for len(r) > width {
			splitAt := width
			for i := width; i > 0; i-- {
				if r[i] == ' ' {
					splitAt = i
					break
				}
			}
			lines = append(lines, string(r[:splitAt]))
			r = []rune(strings.TrimLeft(string(r[splitAt:]), " "))
		}
		lines = append(lines, string(r))
	}
	return lines
}
