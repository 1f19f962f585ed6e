package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"

	"github.com/w1xm/ccd_interface/supervise"
)

const (
	rprtOK      = 0
	rprtEIO     = -5
	rprtEBUSY   = -16
	rprtEINVAL  = -22
	rprtUnknown = -1
)

func (s *Server) ListenCommands(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		log.Print("shutdown; closing command socket")
		ln.Close()
	}()
	go func() {
		for ctx.Err() == nil {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("failed to accept: %v", err)
				}
				continue
			}
			go s.handleCommands(conn)
		}
	}()
	return nil
}

func (s *Server) handleCommands(conn net.Conn) {
	defer conn.Close()
	log.Printf("accepted connection from %v", conn.RemoteAddr())
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		log.Printf("%v command: %q", conn.RemoteAddr(), line)
		fmt.Fprintf(conn, "RPRT %d\n", s.execLine(conn, line))
	}
	if err := scanner.Err(); err != nil {
		log.Printf("reading from %v: %v", conn.RemoteAddr(), err)
	}
}

func rprt(err error) int {
	switch {
	case err == nil:
		return rprtOK
	case errors.Is(err, errBusy):
		return rprtEBUSY
	case errors.Is(err, errUnknownDevice):
		return rprtEINVAL
	}
	return rprtEIO
}

// execLine runs one command line. The command is a single character,
// optionally followed by arguments.
func (s *Server) execLine(w io.Writer, line string) int {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	float := func() (float64, bool) {
		if len(args) != 1 {
			return 0, false
		}
		v, err := strconv.ParseFloat(args[0], 64)
		return v, err == nil
	}
	switch cmd {
	case "i", "setup":
		setpoint, ok := float()
		if !ok {
			return rprtEINVAL
		}
		return rprt(s.Handle(Command{Command: "setup", Setpoint: setpoint}))
	case "e", "expose":
		seconds, ok := float()
		if !ok || seconds <= 0 {
			return rprtEINVAL
		}
		return rprt(s.Handle(Command{Command: "expose", Duration: seconds}))
	case "r", "readout":
		return rprt(s.Handle(Command{Command: "readout"}))
	case "a", "abort":
		device := ""
		if len(args) > 0 {
			device = args[0]
		}
		return rprt(s.Handle(Command{Command: "abort", Device: device}))
	case "p", "set_pos":
		pos, ok := float()
		if !ok {
			return rprtEINVAL
		}
		return rprt(s.Handle(Command{Command: "stage_move", Position: pos}))
	case "s", "status":
		s.writeStatus(w)
		return rprtOK
	}
	return rprtUnknown
}

func (s *Server) writeStatus(w io.Writer) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st := s.status
	fmt.Fprintf(w, "Phase: %s\n", st.Camera.Phase)
	fmt.Fprintf(w, "Temperature: %.2f\n", st.Camera.Temperature)
	if op := st.Operations["camera"]; op != nil {
		fmt.Fprintf(w, "Running: %s %s\n", op.Name, op.ID)
	}
	if o := st.LastOutcome["camera"]; o != nil {
		fmt.Fprintf(w, "Last: %s %s %s\n", o.Operation, o.Kind, o.ID)
		if o.Kind == supervise.Aborted {
			fmt.Fprintf(w, "Aborted in: %s\n", o.PhaseAtAbort)
		}
		if o.Recoverable {
			fmt.Fprintf(w, "Recoverable: Y\n")
		}
	}
	if st.Stage != nil {
		fmt.Fprintf(w, "Stage: %.3f\n", st.Stage.Position)
	}
}
