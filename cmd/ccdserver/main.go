package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/w1xm/ccd_interface/plc"
	"github.com/w1xm/ccd_interface/sdsu"
	"github.com/w1xm/ccd_interface/sky"
	"github.com/w1xm/ccd_interface/stage"
	"github.com/w1xm/ccd_interface/trigger"
	"golang.org/x/sync/errgroup"
)

var (
	addr        = flag.String("addr", "127.0.0.1:8503", "HTTP listen address")
	commandAddr = flag.String("command_addr", "127.0.0.1:4534", "line command listen address")
	outDir      = flag.String("out_dir", "", "directory to save frames in")
	abortFile   = flag.String("abort_file", "", "create this file to abort the running camera operation")
	rows        = flag.Int("rows", sdsu.DefaultConfig.Rows, "detector rows")
	cols        = flag.Int("cols", sdsu.DefaultConfig.Cols, "detector columns")
	readoutTime = flag.Duration("readout_time", sdsu.DefaultConfig.ReadoutTime, "full frame readout time")
	stagePort   = flag.String("stage_serial", "", "focus stage serial port")
	stageBaud   = flag.Int("stage_baud", 9600, "focus stage baud rate")
	plcPort     = flag.String("plc_serial", "", "PLC serial port")
	plcBaud     = flag.Int("plc_baud", 19200, "PLC baud rate")
	plcURL      = flag.String("plc_url", "", "plc_bridge URL, instead of -plc_serial")
	mechanisms  = flag.String("mechanisms", "shutter:0:1,lamp:1:2", "PLC mechanisms as name:coil:feedback,...")
	latitude    = flag.Float64("lat", 42.360326, "site latitude")
	longitude   = flag.Float64("lon", -71.089324, "site longitude")
	height      = flag.Float64("height", 25, "site height in metres")
	maxSunAlt   = flag.Float64("max_sun_alt", 90, "refuse exposures with the sun above this altitude")
)

func parseMechanisms(list string) ([]plc.Mechanism, error) {
	var out []plc.Mechanism
	for _, m := range strings.Split(list, ",") {
		if m == "" {
			continue
		}
		parts := strings.Split(m, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("mechanism %q: want name:coil:feedback", m)
		}
		coil, err := strconv.ParseUint(parts[1], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("mechanism %q: %w", m, err)
		}
		feedback, err := strconv.ParseUint(parts[2], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("mechanism %q: %w", m, err)
		}
		out = append(out, plc.Mechanism{Name: parts[0], Coil: uint16(coil), Feedback: uint16(feedback)})
	}
	return out, nil
}

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var extra []trigger.Source
	sig := trigger.NotifySignal(syscall.SIGUSR1)
	defer sig.Close()
	extra = append(extra, sig)
	if *abortFile != "" {
		f, err := trigger.WatchFile(*abortFile)
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
		extra = append(extra, f)
	}

	s := NewServer(ctx, *outDir, trigger.Any(extra...))
	if *maxSunAlt < 90 {
		s.site = &sky.Site{Latitude: *latitude, Longitude: *longitude, Height: *height}
		s.maxSunAlt = *maxSunAlt
		if _, err := s.site.SunAltitude(); err != nil {
			log.Fatalf("-max_sun_alt: %v", err)
		}
	}

	cfg := sdsu.DefaultConfig
	cfg.Rows, cfg.Cols, cfg.ReadoutTime = *rows, *cols, *readoutTime
	s.camera = sdsu.New(cfg, s.cameraCallback)

	if *stagePort != "" {
		st, err := stage.Connect(ctx, *stagePort, *stageBaud, s.stageCallback)
		if err != nil {
			log.Fatalf("connecting to stage: %v", err)
		}
		s.stage = st
	}
	if *plcPort != "" || *plcURL != "" {
		mechs, err := parseMechanisms(*mechanisms)
		if err != nil {
			log.Fatal(err)
		}
		b, err := plc.Connect(ctx, *plcPort, *plcBaud, *plcURL, mechs, s.plcCallback)
		if err != nil {
			log.Fatalf("connecting to PLC: %v", err)
		}
		s.bank = b
	}

	srv := &http.Server{
		Handler:     s.Router(),
		Addr:        *addr,
		ReadTimeout: 15 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	// Operations are aborted when any part of the server fails.
	s.ctx = ctx
	g.Go(func() error {
		if err := s.camera.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return s.ListenCommands(ctx, *commandAddr)
	})
	g.Go(func() error {
		log.Printf("listening on %s", *addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Print("shutting down; aborting running operations")
		s.Wait()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
}
