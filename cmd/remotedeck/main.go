// Package main provides the remotedeck command line client. It drives a
// desktop player's embedded browser over its remote debugging endpoint:
// launching the player when needed, keeping the session alive across UI
// restarts, and exposing playback operations as subcommands.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/entrhq/remotedeck/pkg/config"
	"github.com/entrhq/remotedeck/pkg/controller"
	"github.com/entrhq/remotedeck/pkg/install"
	"github.com/entrhq/remotedeck/pkg/logging"
)

const version = "0.1.0"

// cliOptions holds the parsed command line flags.
type cliOptions struct {
	ConfigPath  string
	Port        int
	TargetPath  string
	ShowVersion bool
}

func main() {
	opts := parseFlags()

	if opts.ShowVersion {
		fmt.Printf("remotedeck v%s\n", version)
		return
	}

	// Cancel the context on interrupt so a watch loop or a slow connect
	// unwinds cleanly.
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nshutting down...")
		cancel()
	}()

	if err := run(ctx, opts, flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "remotedeck: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags parses command line flags.
func parseFlags() *cliOptions {
	opts := &cliOptions{}

	flag.StringVar(&opts.ConfigPath, "config", "", "Path to config file (default: ~/.remotedeck/config.yaml)")
	flag.IntVar(&opts.Port, "port", 0, "Remote debugging port (overrides config)")
	flag.StringVar(&opts.TargetPath, "path", "", "Path to the player binary (overrides install-location detection)")
	flag.BoolVar(&opts.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "remotedeck - remote control for a desktop player's embedded browser\n\n")
		fmt.Fprintf(os.Stderr, "Usage: remotedeck [options] <command>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  status     Show connection status (default)\n")
		fmt.Fprintf(os.Stderr, "  ensure     Launch and connect, then exit\n")
		fmt.Fprintf(os.Stderr, "  toggle     Toggle play/pause\n")
		fmt.Fprintf(os.Stderr, "  playing    Report whether playback is active\n")
		fmt.Fprintf(os.Stderr, "  metadata   Print now-playing metadata\n")
		fmt.Fprintf(os.Stderr, "  watch      Stay connected and print now-playing updates\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  remotedeck toggle\n")
		fmt.Fprintf(os.Stderr, "  remotedeck -port 9223 metadata\n")
		fmt.Fprintf(os.Stderr, "  remotedeck -path /opt/player/player watch\n")
	}

	flag.Parse()
	return opts
}

// run executes the requested subcommand.
func run(ctx context.Context, opts *cliOptions, command string) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.Port != 0 {
		cfg.Port = opts.Port
	}
	if opts.TargetPath != "" {
		cfg.Launcher.Path = opts.TargetPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.NewLogger("remotedeck")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	installID, err := install.LoadOrCreate("")
	if err != nil {
		return err
	}

	ctrl := controller.New(cfg, log, controller.WithInstallID(installID))
	defer ctrl.Close()

	switch command {
	case "", "status":
		return runStatus(ctrl)
	case "ensure":
		return ctrl.EnsureReady(ctx)
	case "toggle":
		if err := ctrl.EnsureReady(ctx); err != nil {
			return err
		}
		return ctrl.TogglePlayback(ctx)
	case "playing":
		if err := ctrl.EnsureReady(ctx); err != nil {
			return err
		}
		playing, err := ctrl.IsPlaying(ctx)
		if err != nil {
			return err
		}
		fmt.Println(playing)
		return nil
	case "metadata":
		if err := ctrl.EnsureReady(ctx); err != nil {
			return err
		}
		return printMetadata(ctx, ctrl)
	case "watch":
		return runWatch(ctx, ctrl)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func runStatus(ctrl *controller.Controller) error {
	status := ctrl.Status()
	fmt.Printf("state:       %s\n", status.State)
	fmt.Printf("endpoint:    %s:%d\n", status.Host, status.Port)
	fmt.Printf("connected:   %v\n", status.Connected)
	if status.Connected {
		fmt.Printf("uptime:      %s\n", status.ConnectedFor.Round(time.Second))
	}
	if status.ReconnectAttempts > 0 || status.ReconnectExhausted {
		fmt.Printf("reconnects:  %d (exhausted: %v)\n", status.ReconnectAttempts, status.ReconnectExhausted)
	}
	fmt.Printf("install id:  %s\n", status.InstallID)
	return nil
}

func printMetadata(ctx context.Context, ctrl *controller.Controller) error {
	md, err := ctrl.GetMetadata(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s - %s", md.Title, md.Artist)
	if md.Album != "" {
		fmt.Printf(" (%s)", md.Album)
	}
	if md.DurationSeconds > 0 {
		fmt.Printf(" [%s/%s]", formatClock(md.PositionSeconds), formatClock(md.DurationSeconds))
	}
	fmt.Println()
	return nil
}

// runWatch keeps the session alive and prints now-playing changes until the
// context is cancelled. Reconnection happens underneath; unavailable
// metadata during a reconnect is skipped, not fatal.
func runWatch(ctx context.Context, ctrl *controller.Controller) error {
	if err := ctrl.EnsureReady(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var last string
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			md, err := ctrl.GetMetadata(ctx)
			if err != nil {
				continue
			}
			line := fmt.Sprintf("%s - %s", md.Title, md.Artist)
			if line != last {
				fmt.Println(line)
				last = line
			}
		}
	}
}

func formatClock(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
