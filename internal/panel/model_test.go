package panel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/echo/internal/protocol"
	"github.com/dreamware/echo/internal/supervisor"
)

type fakeController struct {
	mu      sync.Mutex
	result  supervisor.Result
	status  supervisor.Status
	stopErr error
	starts  int
	stops   int
}

func (f *fakeController) Start(int, string) <-chan supervisor.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	ch := make(chan supervisor.Result, 1)
	ch <- f.result
	return ch
}

func (f *fakeController) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.stopErr
}

func (f *fakeController) Status() supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

type fakeSource struct {
	l *supervisor.Liveness
}

func (f *fakeSource) GetStatus(string) *supervisor.Liveness { return f.l }

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func newModel(ctrl *fakeController, src *fakeSource) Model {
	return New(Options{
		Controller: ctrl,
		Status:     src,
		Name:       "echo",
		Port:       5000,
		LANIP:      "192.168.1.20",
		Interval:   time.Millisecond,
	})
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out, cmd
}

func TestStartShowsPublicAddress(t *testing.T) {
	ctrl := &fakeController{result: supervisor.Result{Address: "https://abc.ngrok.app"}}
	src := &fakeSource{}
	m := newModel(ctrl, src)

	m, cmd := update(t, m, key("s"))
	require.NotNil(t, cmd)
	assert.Contains(t, m.View(), "starting...")

	src.l = &supervisor.Liveness{Name: "echo", State: supervisor.Running, Online: true}
	m, _ = update(t, m, cmd())

	view := m.View()
	assert.Contains(t, view, "ONLINE")
	assert.Contains(t, view, "https://abc.ngrok.app")
	assert.Contains(t, view, "http://192.168.1.20:5000")
	assert.NotContains(t, view, "starting...")
	assert.Equal(t, 1, ctrl.starts)
}

func TestStartIgnoredWhileStarting(t *testing.T) {
	ctrl := &fakeController{}
	m := newModel(ctrl, &fakeSource{})

	m, cmd := update(t, m, key("s"))
	require.NotNil(t, cmd)
	_, cmd = update(t, m, key("s"))
	assert.Nil(t, cmd)
	assert.Equal(t, 1, ctrl.starts)
}

func TestStartFailureShowsDiagnosticVerbatim(t *testing.T) {
	diag := "OSError: [Errno 98] Address already in use"
	ctrl := &fakeController{result: supervisor.Result{
		Err: &supervisor.StartError{Err: errors.New("exit status 1"), Diagnostic: diag},
	}}
	src := &fakeSource{l: &supervisor.Liveness{State: supervisor.Failed}}
	m := newModel(ctrl, src)

	m, cmd := update(t, m, key("s"))
	m, _ = update(t, m, cmd())

	view := m.View()
	assert.Contains(t, view, "FAILED")
	assert.Contains(t, view, diag)
	assert.NotContains(t, view, "Public")
}

func TestApplyStartResults(t *testing.T) {
	tests := []struct {
		name       string
		result     supervisor.Result
		wantAddr   string
		wantErr    string
		wantNotice string
	}{
		{
			name:     "success",
			result:   supervisor.Result{Address: "https://x"},
			wantAddr: "https://x",
		},
		{
			name:       "already active",
			result:     supervisor.Result{Err: supervisor.ErrAlreadyActive, Address: "https://y"},
			wantAddr:   "https://y",
			wantNotice: "already running",
		},
		{
			name:       "superseded",
			result:     supervisor.Result{Err: supervisor.ErrStopped},
			wantNotice: "start cancelled",
		},
		{
			name:    "start error",
			result:  supervisor.Result{Err: &supervisor.StartError{Diagnostic: "tunnel refused"}},
			wantErr: "tunnel refused",
		},
		{
			name:    "other error",
			result:  supervisor.Result{Err: errors.New("boom")},
			wantErr: "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m Model
			m.applyStart(tt.result)
			assert.Equal(t, tt.wantAddr, m.address)
			assert.Equal(t, tt.wantErr, m.errText)
			assert.Equal(t, tt.wantNotice, m.notice)
		})
	}
}

func TestUnexpectedExitShowsLastOutput(t *testing.T) {
	ctrl := &fakeController{status: supervisor.Status{
		State:      supervisor.Stopped,
		Diagnostic: "panic: runtime error",
	}}
	src := &fakeSource{l: &supervisor.Liveness{State: supervisor.Stopped, Exited: true}}
	m := newModel(ctrl, src)

	m, cmd := update(t, m, tickMsg(time.Now()))
	require.NotNil(t, cmd)

	view := m.View()
	assert.Contains(t, view, "EXITED")
	assert.Contains(t, view, "panic: runtime error")
}

func TestStopKey(t *testing.T) {
	ctrl := &fakeController{stopErr: supervisor.ErrKillFailed}
	src := &fakeSource{l: &supervisor.Liveness{State: supervisor.Stopped}}
	m := newModel(ctrl, src)
	m.address = "https://x"

	m, cmd := update(t, m, key("x"))
	require.NotNil(t, cmd)
	m, cmd = update(t, m, cmd())
	assert.Nil(t, cmd)

	assert.Equal(t, 1, ctrl.stops)
	assert.Empty(t, m.address)
	assert.Contains(t, m.View(), supervisor.ErrKillFailed.Error())
	assert.Contains(t, m.View(), "OFFLINE")
}

func TestQuitStopsEverything(t *testing.T) {
	ctrl := &fakeController{}
	m := newModel(ctrl, &fakeSource{})

	m, cmd := update(t, m, key("q"))
	require.NotNil(t, cmd)
	assert.True(t, m.Quitting())

	_, again := update(t, m, key("s"))
	assert.Nil(t, again, "keys ignored while quitting")

	_, cmd = update(t, m, cmd())
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Equal(t, 1, ctrl.stops)
	assert.Equal(t, 0, ctrl.starts)
}

func TestListenerCount(t *testing.T) {
	ctrl := &fakeController{}
	src := &fakeSource{l: &supervisor.Liveness{State: supervisor.Running, Online: true}}
	m := New(Options{
		Controller: ctrl,
		Status:     src,
		Name:       "echo",
		Port:       5000,
		Interval:   time.Millisecond,
		Audience: func(context.Context) (protocol.ConnectedResponse, error) {
			return protocol.ConnectedResponse{
				RouterUser: protocol.Holder("Ana"),
				Users:      []protocol.ConnectedUser{{ID: "a", Name: "Ana"}, {ID: "b", Name: "Bo"}},
			}, nil
		},
	})

	m, cmd := update(t, m, tickMsg(time.Now()))
	require.NotNil(t, cmd)

	m, _ = update(t, m, m.audienceCmd()())
	view := m.View()
	assert.Contains(t, view, "Listeners")
	assert.Contains(t, view, "2 (router: Ana)")

	m, _ = update(t, m, audienceMsg{err: errors.New("refused")})
	assert.NotContains(t, m.View(), "Listeners")
}

func TestHTTPAudience(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/admin/connected", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"router_user":null,"users":[{"id":"1","name":"Anonymous"}]}`))
	}))
	defer srv.Close()

	resp, err := HTTPAudience(srv.URL + "/")(context.Background())
	require.NoError(t, err)
	assert.Nil(t, resp.RouterUser)
	require.Len(t, resp.Users, 1)
	assert.Equal(t, "Anonymous", resp.Users[0].Name)
}

func onlineModel(ctrl *fakeController, copyFn func(string) error) Model {
	src := &fakeSource{l: &supervisor.Liveness{State: supervisor.Running, Online: true}}
	m := New(Options{
		Controller: ctrl,
		Status:     src,
		Copy:       copyFn,
		Name:       "echo",
		Port:       5000,
		Interval:   time.Millisecond,
	})
	m.applyStart(supervisor.Result{Address: "https://abc.ngrok.app"})
	m.sample()
	return m
}

func TestOnlineViewShowsQRCode(t *testing.T) {
	qr := QRCode("https://abc.ngrok.app")
	require.NotEmpty(t, qr)
	assert.True(t, strings.ContainsAny(qr, "▀▄█"), "half-block glyphs")

	m := onlineModel(&fakeController{}, nil)
	assert.Contains(t, m.View(), qr)

	m.opts.Status = &fakeSource{l: &supervisor.Liveness{State: supervisor.Stopped}}
	m.sample()
	assert.NotContains(t, m.View(), qr)
}

func TestCopyKey(t *testing.T) {
	var copied []string
	copyFn := func(s string) error {
		copied = append(copied, s)
		return nil
	}
	m := onlineModel(&fakeController{}, copyFn)
	assert.Contains(t, m.View(), "c copy address")

	m, cmd := update(t, m, key("c"))
	require.NotNil(t, cmd)
	m, _ = update(t, m, cmd())
	assert.Equal(t, []string{"https://abc.ngrok.app"}, copied)
	assert.Contains(t, m.View(), "address copied to clipboard")

	m, _ = update(t, m, tickMsg(time.Now()))
	assert.Contains(t, m.View(), "address copied to clipboard", "kept across ticks")
	m, _ = update(t, m, key("z"))
	assert.NotContains(t, m.View(), "address copied")
}

func TestCopyKeyFailureAndOffline(t *testing.T) {
	m := onlineModel(&fakeController{}, func(string) error { return errors.New("no clipboard utility") })
	m, cmd := update(t, m, key("c"))
	require.NotNil(t, cmd)
	m, _ = update(t, m, cmd())
	assert.Contains(t, m.View(), "copy failed: no clipboard utility")

	offline := newModel(&fakeController{}, &fakeSource{})
	offline.opts.Copy = func(string) error { t.Fatal("copy while offline"); return nil }
	_, cmd = update(t, offline, key("c"))
	assert.Nil(t, cmd)
}
