package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/w1xm/ccd_interface/frame"
	"github.com/w1xm/ccd_interface/hardware"
	"github.com/w1xm/ccd_interface/plc"
	"github.com/w1xm/ccd_interface/sdsu"
	"github.com/w1xm/ccd_interface/sky"
	"github.com/w1xm/ccd_interface/stage"
	"github.com/w1xm/ccd_interface/supervise"
	"github.com/w1xm/ccd_interface/trigger"
)

var (
	errBusy          = errors.New("device busy")
	errNoDevice      = errors.New("device not configured")
	errUnknownDevice = errors.New("unknown device")
)

// device pairs a supervisor with the operator abort flag its watcher polls.
// source is everything the watcher polls, abort included.
type device struct {
	name   string
	sup    *supervise.Supervisor
	abort  *trigger.Flag
	source trigger.Source
	busy   atomic.Bool
}

type OperationStatus struct {
	ID      string
	Name    string
	Phase   hardware.Phase
	Started time.Time
}

type OutcomeStatus struct {
	ID           string
	Operation    string
	Kind         supervise.Kind
	PhaseAtAbort hardware.Phase
	Error        string `json:",omitempty"`
	Started      time.Time
	Finished     time.Time
	Recoverable  bool
	Frame        string `json:",omitempty"`
}

func outcomeStatus(o supervise.Outcome) *OutcomeStatus {
	s := &OutcomeStatus{
		ID:           o.ID,
		Operation:    o.Operation,
		Kind:         o.Kind,
		PhaseAtAbort: o.PhaseAtAbort,
		Started:      o.Started,
		Finished:     o.Finished,
		Recoverable:  supervise.Recoverable(o),
	}
	if o.Err != nil {
		s.Error = o.Err.Error()
	}
	return s
}

type Status struct {
	Camera      sdsu.Status
	Stage       *stage.Status `json:",omitempty"`
	PLC         *plc.Status   `json:",omitempty"`
	Operations  map[string]*OperationStatus
	LastOutcome map[string]*OutcomeStatus
}

type Server struct {
	ctx       context.Context
	camera    *sdsu.Controller
	stage     *stage.Stage
	bank      *plc.Bank
	devices   map[string]*device
	recovery  *supervise.Recovery
	outDir    string
	site      *sky.Site
	maxSunAlt float64

	mu          sync.Mutex
	lastCamera  supervise.Outcome
	haveOutcome bool

	statusMu sync.RWMutex
	status   Status
	changed  chan struct{}
}

func NewServer(ctx context.Context, outDir string, extra trigger.Source) *Server {
	s := &Server{
		ctx:     ctx,
		outDir:  outDir,
		devices: make(map[string]*device),
		changed: make(chan struct{}),
		status: Status{
			Operations:  make(map[string]*OperationStatus),
			LastOutcome: make(map[string]*OutcomeStatus),
		},
	}
	for _, name := range []string{"camera", "stage", "plc"} {
		d := &device{name: name, abort: &trigger.Flag{}}
		d.source = d.abort
		// Signals and the abort file are meant for the camera.
		if name == "camera" && extra != nil {
			d.source = trigger.Any(d.abort, extra)
		}
		d.sup = &supervise.Supervisor{
			Name:      name,
			Trigger:   d.source,
			OnStart:   s.operationStarted(name),
			OnOutcome: s.operationFinished(name),
		}
		s.devices[name] = d
	}
	s.recovery = &supervise.Recovery{Supervisor: s.devices["camera"].sup}
	return s
}

func (s *Server) updateStatus(f func(status *Status)) {
	s.statusMu.Lock()
	f(&s.status)
	close(s.changed)
	s.changed = make(chan struct{})
	s.statusMu.Unlock()
}

// snapshot returns a copy of the status and a channel closed at the next
// change.
func (s *Server) snapshot() ([]byte, <-chan struct{}, error) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	data, err := json.Marshal(s.status)
	return data, s.changed, err
}

func (s *Server) cameraCallback(status sdsu.Status) {
	s.updateStatus(func(st *Status) {
		st.Camera = status
		if op := st.Operations["camera"]; op != nil {
			op.Phase = status.Phase
		}
	})
}

func (s *Server) stageCallback(status stage.Status) {
	s.updateStatus(func(st *Status) { st.Stage = &status })
}

func (s *Server) plcCallback(status plc.Status) {
	s.updateStatus(func(st *Status) { st.PLC = &status })
}

func (s *Server) operationStarted(name string) func(*supervise.Task) {
	return func(t *supervise.Task) {
		s.updateStatus(func(st *Status) {
			st.Operations[name] = &OperationStatus{
				ID:      t.ID(),
				Name:    t.Name(),
				Phase:   t.Phase(),
				Started: t.Started(),
			}
		})
	}
}

func (s *Server) operationFinished(name string) func(supervise.Outcome) {
	return func(o supervise.Outcome) {
		summary := outcomeStatus(o)
		if name == "camera" {
			s.mu.Lock()
			s.lastCamera = o
			s.haveOutcome = true
			s.mu.Unlock()
			if o.Kind == supervise.Success {
				summary.Frame = s.saveFrame(o)
			}
		}
		s.updateStatus(func(st *Status) {
			delete(st.Operations, name)
			st.LastOutcome[name] = summary
		})
	}
}

func (s *Server) saveFrame(o supervise.Outcome) string {
	if s.outDir == "" || (o.Operation != "expose" && o.Operation != "readout") {
		return ""
	}
	f := s.camera.Frame()
	if f == nil {
		return ""
	}
	if f.Header == nil {
		f.Header = make(map[string]string)
	}
	f.Header["OPID"] = o.ID
	name := o.ID + ".fits"
	if err := frame.Write(filepath.Join(s.outDir, name), f); err != nil {
		log.Printf("saving frame: %v", err)
		return ""
	}
	return name
}

func (s *Server) lookup(name string) (*device, error) {
	if name == "" {
		name = "camera"
	}
	d, ok := s.devices[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", errUnknownDevice, name)
	}
	return d, nil
}

// launch runs op on d in the background. Only one operation per device may
// be outstanding.
func (s *Server) launch(d *device, run func(ctx context.Context) (supervise.Outcome, error)) error {
	if !d.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: %w", d.name, errBusy)
	}
	// Requests raised while the device was idle are stale.
	ok, err := d.source.Triggered()
	if err != nil {
		log.Printf("%s: polling abort sources: %v", d.name, err)
	}
	if ok {
		log.Printf("%s: discarded abort request raised while idle", d.name)
	}
	go func() {
		defer d.busy.Store(false)
		if _, err := run(s.ctx); err != nil {
			log.Printf("%s: %v", d.name, err)
		}
	}()
	return nil
}

type Command struct {
	Command string `json:"command"`
	Device  string `json:"device"`
	// Duration is the exposure time in seconds.
	Duration  float64 `json:"duration"`
	Setpoint  float64 `json:"setpoint"`
	Position  float64 `json:"position"`
	Tolerance float64 `json:"tolerance"`
	Mechanism string  `json:"mechanism"`
	On        bool    `json:"on"`
}

func (s *Server) Handle(cmd Command) error {
	camera := s.devices["camera"]
	switch cmd.Command {
	case "setup":
		op := sdsu.NewSetup(s.camera, cmd.Setpoint)
		return s.launch(camera, func(ctx context.Context) (supervise.Outcome, error) {
			return camera.sup.Run(ctx, op)
		})
	case "expose":
		if cmd.Duration <= 0 {
			return fmt.Errorf("invalid exposure time %v", cmd.Duration)
		}
		if s.site != nil {
			alt, err := s.site.SunAltitude()
			if err != nil {
				return err
			}
			if err := sky.CheckDark(alt, s.maxSunAlt); err != nil {
				return err
			}
		}
		op := sdsu.NewExpose(s.camera, time.Duration(cmd.Duration*float64(time.Second)))
		return s.launch(camera, func(ctx context.Context) (supervise.Outcome, error) {
			return camera.sup.Run(ctx, op)
		})
	case "readout", "recover":
		s.mu.Lock()
		o, ok := s.lastCamera, s.haveOutcome
		s.mu.Unlock()
		if !ok || !supervise.Recoverable(o) {
			return supervise.ErrNotRecoverable
		}
		op := sdsu.NewReadout(s.camera)
		return s.launch(camera, func(ctx context.Context) (supervise.Outcome, error) {
			return s.recovery.Recover(ctx, o, op)
		})
	case "abort":
		d, err := s.lookup(cmd.Device)
		if err != nil {
			return err
		}
		// busy covers the window before Run has registered the task.
		if d.sup.Current() == nil && !d.busy.Load() {
			return fmt.Errorf("%s: nothing to abort", d.name)
		}
		d.abort.Set()
		return nil
	case "stage_move":
		if s.stage == nil {
			return fmt.Errorf("stage: %w", errNoDevice)
		}
		d := s.devices["stage"]
		tol := cmd.Tolerance
		if tol <= 0 {
			tol = 0.01
		}
		op := &stage.Move{S: s.stage, Position: cmd.Position, Tolerance: tol}
		return s.launch(d, func(ctx context.Context) (supervise.Outcome, error) {
			return d.sup.Run(ctx, op)
		})
	case "plc_set":
		if s.bank == nil {
			return fmt.Errorf("plc: %w", errNoDevice)
		}
		d := s.devices["plc"]
		op := &plc.Actuate{B: s.bank, Mechanism: cmd.Mechanism, On: cmd.On}
		return s.launch(d, func(ctx context.Context) (supervise.Outcome, error) {
			return d.sup.Run(ctx, op)
		})
	}
	return fmt.Errorf("unknown command %q", cmd.Command)
}

// Wait blocks until no device has an outstanding operation.
func (s *Server) Wait() {
	for {
		idle := true
		for _, d := range s.devices {
			idle = idle && !d.busy.Load()
		}
		if idle {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	data, _, err := s.snapshot()
	if err != nil {
		log.Print(err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) CommandHandler(w http.ResponseWriter, r *http.Request) {
	var cmd Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Handle(cmd); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, errBusy) {
			code = http.StatusConflict
		}
		http.Error(w, err.Error(), code)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) FrameHandler(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(mux.Vars(r)["name"])
	path := filepath.Join(s.outDir, name)
	if _, err := os.Stat(path); err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/fits")
	http.ServeFile(w, r, path)
}

type commandError struct {
	Command string `json:"command"`
	Error   string `json:"error"`
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	// Read and process incoming messages
	go func() {
		defer cancel()
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if err := s.Handle(msg); err != nil {
				log.Printf("%v: %s: %v", r.RemoteAddr, msg.Command, err)
				data, _ := json.Marshal(commandError{Command: msg.Command, Error: err.Error()})
				if err := write(data); err != nil {
					return
				}
			}
		}
	}()

	for {
		data, changed, err := s.snapshot()
		if err != nil {
			log.Print(err)
			return
		}
		if err := write(data); err != nil {
			log.Print(err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-changed:
		}
		// Coalesce bursts of updates.
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/status", s.StatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/command", s.CommandHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/ws", s.StatusSocketHandler)
	r.HandleFunc("/api/frames/{name}", s.FrameHandler).Methods(http.MethodGet)
	return r
}
