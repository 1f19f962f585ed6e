package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/w1xm/ccd_interface/hardware"
	"github.com/w1xm/ccd_interface/sdsu"
	"github.com/w1xm/ccd_interface/supervise"
	"github.com/w1xm/ccd_interface/trigger"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	return testServerWith(t, nil)
}

// testServerWith builds a server whose camera also polls extra.
func testServerWith(t *testing.T, extra trigger.Source) *Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(ctx, t.TempDir(), extra)
	s.camera = sdsu.New(sdsu.Config{
		Rows:        4,
		Cols:        4,
		ClearTime:   time.Millisecond,
		ReadoutTime: 20 * time.Millisecond,
		Overhead:    time.Millisecond,
		Bias:        100,
		SignalRate:  1000,
	}, s.cameraCallback)
	t.Cleanup(func() {
		cancel()
		s.Wait()
	})
	return s
}

// waitFor polls the server status until cond holds.
func waitFor(t *testing.T, s *Server, what string, cond func(st *Status) bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.statusMu.RLock()
		ok := cond(&s.status)
		s.statusMu.RUnlock()
		if ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func lastOutcome(op string, kind supervise.Kind) func(st *Status) bool {
	return func(st *Status) bool {
		o := st.LastOutcome["camera"]
		return o != nil && o.Operation == op && o.Kind == kind
	}
}

func TestExecLineArguments(t *testing.T) {
	s := testServer(t)
	for _, test := range []struct {
		line string
		want int
	}{
		{"e", rprtEINVAL},
		{"e soon", rprtEINVAL},
		{"e -1", rprtEINVAL},
		{"i", rprtEINVAL},
		{"p", rprtEINVAL},
		{"a bogus", rprtEINVAL},
		{"a", rprtEIO},
		{"r", rprtEIO},
		{"p 1.5", rprtEIO},
		{"x", rprtUnknown},
	} {
		if got := s.execLine(io.Discard, test.line); got != test.want {
			t.Errorf("execLine(%q) = %d, want %d", test.line, got, test.want)
		}
	}
}

func TestExposeAbortRecover(t *testing.T) {
	s := testServer(t)
	s.devices["camera"].sup.PollInterval = 2 * time.Millisecond

	require.Equal(t, rprtOK, s.execLine(io.Discard, "i -90"))
	waitFor(t, s, "setup", lastOutcome("setup", supervise.Success))

	require.Equal(t, rprtOK, s.execLine(io.Discard, "e 10"))
	waitFor(t, s, "exposing", func(st *Status) bool { return st.Camera.Phase == hardware.PhaseExposing })
	assert.Equal(t, rprtEBUSY, s.execLine(io.Discard, "e 1"))

	require.Equal(t, rprtOK, s.execLine(io.Discard, "a"))
	waitFor(t, s, "abort", lastOutcome("expose", supervise.Aborted))

	var buf bytes.Buffer
	s.execLine(&buf, "s")
	assert.Contains(t, buf.String(), "Aborted in: exposing")
	assert.Contains(t, buf.String(), "Recoverable: Y")

	// Wait for the device to be released before recovering.
	s.Wait()
	require.Equal(t, rprtOK, s.execLine(io.Discard, "r"))
	waitFor(t, s, "readout", lastOutcome("readout", supervise.Success))

	s.statusMu.RLock()
	name := s.status.LastOutcome["camera"].Frame
	s.statusMu.RUnlock()
	require.NotEmpty(t, name)
	data, err := os.ReadFile(filepath.Join(s.outDir, name))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "SIMPLE  ="))
	assert.Contains(t, string(data), "PARTIAL =                    T")

	// The partial frame has been read out; there is nothing left to recover.
	s.Wait()
	assert.Equal(t, rprtEIO, s.execLine(io.Discard, "r"))
}

func TestExposeBeforeSetupFails(t *testing.T) {
	s := testServer(t)
	require.NoError(t, s.Handle(Command{Command: "expose", Duration: 1}))
	waitFor(t, s, "failure", lastOutcome("expose", supervise.Failed))
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	assert.Contains(t, s.status.LastOutcome["camera"].Error, "not powered")
}

func TestHTTP(t *testing.T) {
	s := testServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	var status map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Contains(t, status, "Camera")

	post := func(body string) int {
		resp, err := http.Post(srv.URL+"/api/command", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusBadRequest, post("{"))
	assert.Equal(t, http.StatusBadRequest, post(`{"command":"stage_move","position":3}`))
	assert.Equal(t, http.StatusAccepted, post(`{"command":"setup","setpoint":-90}`))
	assert.Equal(t, http.StatusConflict, post(`{"command":"setup","setpoint":-90}`))

	resp, err = http.Get(srv.URL + "/api/frames/missing.fits")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusSocket(t *testing.T) {
	s := testServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	var status map[string]interface{}
	require.NoError(t, conn.ReadJSON(&status))
	assert.Contains(t, status, "Camera")

	require.NoError(t, conn.WriteJSON(Command{Command: "focus"}))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg))
		if e, ok := msg["error"]; ok {
			assert.Equal(t, "focus", msg["command"])
			assert.Contains(t, e, "unknown command")
			break
		}
	}
}

func TestParseMechanisms(t *testing.T) {
	got, err := parseMechanisms("shutter:0:1,lamp:3:4")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "lamp", got[1].Name)
	assert.Equal(t, uint16(3), got[1].Coil)
	assert.Equal(t, uint16(4), got[1].Feedback)

	for _, bad := range []string{"shutter", "shutter:x:1", "shutter:0:-1"} {
		_, err := parseMechanisms(bad)
		assert.Error(t, err, bad)
	}
}

func TestIdleAbortRequestDiscarded(t *testing.T) {
	extra := &trigger.Flag{}
	s := testServerWith(t, extra)
	s.devices["camera"].sup.PollInterval = 2 * time.Millisecond

	// Raised while nothing runs, e.g. a stray SIGUSR1.
	extra.Set()
	require.NoError(t, s.Handle(Command{Command: "setup", Setpoint: -90}))
	waitFor(t, s, "setup", func(st *Status) bool { return st.LastOutcome["camera"] != nil })
	s.statusMu.RLock()
	o := *s.status.LastOutcome["camera"]
	s.statusMu.RUnlock()
	assert.Equal(t, supervise.Success, o.Kind, o.Error)

	// A request raised during the run still aborts it.
	s.Wait()
	require.NoError(t, s.Handle(Command{Command: "expose", Duration: 10}))
	waitFor(t, s, "exposing", func(st *Status) bool { return st.Camera.Phase == hardware.PhaseExposing })
	extra.Set()
	waitFor(t, s, "abort", lastOutcome("expose", supervise.Aborted))
}

func TestAbortBeforeTaskRegistered(t *testing.T) {
	s := testServer(t)
	d := s.devices["camera"]
	// launch has claimed the device but Run has not registered the task.
	d.busy.Store(true)
	defer d.busy.Store(false)
	require.NoError(t, s.Handle(Command{Command: "abort"}))
	ok, err := d.abort.Triggered()
	require.NoError(t, err)
	assert.True(t, ok)
}
