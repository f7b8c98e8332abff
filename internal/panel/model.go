// Package panel is the operator console for a supervised Echo server: a
// bubbletea program that starts and stops the server and shows its status,
// public address and audience.
package panel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/dreamware/echo/internal/protocol"
	"github.com/dreamware/echo/internal/supervisor"
)

// Controller is the part of a supervisor the panel drives.
type Controller interface {
	Start(port int, executable string) <-chan supervisor.Result
	Stop() error
	Status() supervisor.Status
}

// StatusSource yields the displayed status of a watched target.
type StatusSource interface {
	GetStatus(name string) *supervisor.Liveness
}

// Audience reports who is connected to the running server.
type Audience func(ctx context.Context) (protocol.ConnectedResponse, error)

// HTTPAudience reads /admin/connected from the server at baseURL.
func HTTPAudience(baseURL string) Audience {
	url := strings.TrimRight(baseURL, "/") + "/admin/connected"
	return func(ctx context.Context) (protocol.ConnectedResponse, error) {
		var resp protocol.ConnectedResponse
		err := protocol.GetJSON(ctx, url, &resp)
		return resp, err
	}
}

// Options configures a Model.
type Options struct {
	Controller Controller
	Status     StatusSource
	Audience   Audience           // optional
	Copy       func(string) error // optional; the c key copies the public address
	Name       string             // name the controller is watched under
	Executable string
	LANIP      string
	Port       int
	Interval   time.Duration
}

type (
	tickMsg     time.Time
	startedMsg  supervisor.Result
	stoppedMsg  struct{ err error }
	audienceMsg struct {
		resp protocol.ConnectedResponse
		err  error
	}
	copiedMsg struct{ err error }
)

// Model is the panel's bubbletea model.
type Model struct {
	opts      Options
	liveness  supervisor.Liveness
	audience  protocol.ConnectedResponse
	address   string
	errText   string
	notice    string
	flash     string // result of the last copy, kept until the next key
	starting  bool
	stopping  bool
	quitting  bool
	haveCount bool
}

// New returns a panel model. The first sample is taken on Init.
func New(opts Options) Model {
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	return Model{opts: opts, liveness: supervisor.Liveness{Name: opts.Name}}
}

// Init starts the refresh tick.
func (m Model) Init() tea.Cmd {
	return m.tick()
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.opts.Interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) startCmd() tea.Cmd {
	ch := m.opts.Controller.Start(m.opts.Port, m.opts.Executable)
	return func() tea.Msg {
		return startedMsg(<-ch)
	}
}

func (m Model) stopCmd() tea.Cmd {
	ctrl := m.opts.Controller
	return func() tea.Msg {
		return stoppedMsg{err: ctrl.Stop()}
	}
}

func (m Model) copyCmd() tea.Cmd {
	copyFn, address := m.opts.Copy, m.address
	return func() tea.Msg {
		return copiedMsg{err: copyFn(address)}
	}
}

func (m Model) audienceCmd() tea.Cmd {
	if m.opts.Audience == nil {
		return nil
	}
	fetch := m.opts.Audience
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		resp, err := fetch(ctx)
		return audienceMsg{resp: resp, err: err}
	}
}

// Update handles keys, ticks and the results of start, stop, copy and
// audience commands. Supervisor calls that block run inside commands, never
// here.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		m.sample()
		if m.liveness.Online {
			return m, tea.Batch(m.tick(), m.audienceCmd())
		}
		m.haveCount = false
		return m, m.tick()

	case startedMsg:
		m.starting = false
		m.applyStart(supervisor.Result(msg))
		m.sample()
		return m, nil

	case stoppedMsg:
		m.stopping = false
		m.address = ""
		m.haveCount = false
		if msg.err != nil {
			m.errText = msg.err.Error()
		}
		m.sample()
		if m.quitting {
			return m, tea.Quit
		}
		return m, nil

	case copiedMsg:
		if msg.err != nil {
			m.flash = "copy failed: " + msg.err.Error()
		} else {
			m.flash = "address copied to clipboard"
		}
		return m, nil

	case audienceMsg:
		if msg.err != nil {
			m.haveCount = false
			return m, nil
		}
		m.audience = msg.resp
		m.haveCount = true
		return m, nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.quitting {
		return m, nil
	}
	m.flash = ""
	switch msg.String() {
	case "s":
		if m.starting {
			return m, nil
		}
		m.starting = true
		m.errText = ""
		m.notice = "starting..."
		return m, m.startCmd()
	case "x":
		if m.stopping {
			return m, nil
		}
		m.stopping = true
		m.notice = "stopping..."
		return m, m.stopCmd()
	case "c":
		if m.opts.Copy == nil || !m.liveness.Online || m.address == "" {
			return m, nil
		}
		return m, m.copyCmd()
	case "q", "ctrl+c":
		m.quitting = true
		m.notice = "stopping all services..."
		return m, m.stopCmd()
	}
	return m, nil
}

func (m *Model) applyStart(res supervisor.Result) {
	m.notice = ""
	var startErr *supervisor.StartError
	switch {
	case res.Err == nil:
		m.address = res.Address
		m.errText = ""
	case errors.Is(res.Err, supervisor.ErrAlreadyActive):
		m.address = res.Address
		m.notice = "already running"
	case errors.Is(res.Err, supervisor.ErrStopped):
		m.notice = "start cancelled"
	case errors.As(res.Err, &startErr):
		m.errText = startErr.Diagnostic
	default:
		m.errText = res.Err.Error()
	}
}

// sample refreshes the displayed status from the poller and supervisor.
func (m *Model) sample() {
	if l := m.opts.Status.GetStatus(m.opts.Name); l != nil {
		m.liveness = *l
	}
	st := m.opts.Controller.Status()
	if st.Address != "" {
		m.address = st.Address
	}
	if m.errText == "" && st.Diagnostic != "" && (st.State == supervisor.Failed || m.liveness.Exited) {
		m.errText = st.Diagnostic
	}
	if !m.starting && !m.stopping && !m.quitting {
		m.notice = ""
	}
}

// Quitting reports whether the operator asked to exit.
func (m Model) Quitting() bool { return m.quitting }

func (m Model) lanURL() string {
	if m.opts.LANIP == "" {
		return ""
	}
	return fmt.Sprintf("http://%s:%d", m.opts.LANIP, m.opts.Port)
}
