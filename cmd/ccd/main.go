package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/w1xm/ccd_interface/sdsu"
	"github.com/w1xm/ccd_interface/trigger"
)

var (
	cfg      = sdsu.DefaultConfig
	setpoint float64
	exposure time.Duration
	count    int
	out      string
)

var rootCmd = &cobra.Command{
	Use:   "ccd",
	Short: "Run CCD operations interactively",
	Long: `ccd drives the camera from the terminal. Press Enter while an
operation is running to abort it. An aborted exposure can be read out.`,
	SilenceUsage: true,
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Power up the controller and cool the detector",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
			return s.setup(ctx)
		})
	},
}

var exposeCmd = &cobra.Command{
	Use:   "expose",
	Short: "Take exposures and save them as FITS files",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exposure <= 0 {
			return fmt.Errorf("--time must be positive")
		}
		return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
			if err := s.setup(ctx); err != nil {
				return err
			}
			for i := 0; i < count; i++ {
				if err := s.expose(ctx, exposure, framePath(out, i, count)); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().IntVar(&cfg.Rows, "rows", cfg.Rows, "detector rows")
	rootCmd.PersistentFlags().IntVar(&cfg.Cols, "cols", cfg.Cols, "detector columns")
	rootCmd.PersistentFlags().DurationVar(&cfg.ReadoutTime, "readout_time", cfg.ReadoutTime, "full frame readout time")
	rootCmd.PersistentFlags().Float64Var(&setpoint, "setpoint", -90, "detector temperature set point")

	exposeCmd.Flags().DurationVarP(&exposure, "time", "t", time.Second, "exposure time")
	exposeCmd.Flags().IntVarP(&count, "count", "n", 1, "number of exposures")
	exposeCmd.Flags().StringVarP(&out, "out", "o", "frame.fits", "output file")

	rootCmd.AddCommand(setupCmd, exposeCmd)
}

func withSession(ctx context.Context, f func(ctx context.Context, s *session) error) error {
	console, err := trigger.NewConsole("")
	if err != nil {
		return err
	}
	defer console.Close()
	s := newSession(sdsu.New(cfg, nil), console, console)
	go s.c.Run(ctx)
	if err := f(ctx, s); !errors.Is(err, errStopped) {
		return err
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
