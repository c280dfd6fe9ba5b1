package master

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// Config collects the master's startup configuration and CLI surface.
type Config struct {
	PyPIRoot      string
	DSN           string
	OutputPath    string
	WorkerAddr    string // default ":5555"
	TransferAddr  string // default ":5556"
	ControlSocket string // default "/tmp/piw-control"
	StatusSocket  string // default "/tmp/piw-status"
	StaticsDir    string // optional; copied into OutputPath once at startup
}

func (c *Config) setDefaults() {
	if c.WorkerAddr == "" {
		c.WorkerAddr = ":5555"
	}
	if c.TransferAddr == "" {
		c.TransferAddr = ":5556"
	}
	if c.ControlSocket == "" {
		c.ControlSocket = "/tmp/piw-control"
	}
	if c.StatusSocket == "" {
		c.StatusSocket = "/tmp/piw-status"
	}
}

// shutdownDrainWindow is the grace period given to in-flight workers
// before the quit fan-out fires.
const shutdownDrainWindow = 5 * time.Second

// shutdownJoinDeadline bounds the wait for every task to exit, so a stuck
// task can never hang the process past this window.
const shutdownJoinDeadline = 30 * time.Second

// Run spawns the master's tasks plus the supervising loop and blocks
// until ctx is canceled (SIGINT/SIGTERM) or a QUIT control command is
// received.
func Run(ctx context.Context, cfg Config) error {
	cfg.setDefaults()

	if err := os.MkdirAll(cfg.OutputPath, 0755); err != nil && !os.IsExist(err) {
		return xerrors.Errorf("creating output path %s: %w", cfg.OutputPath, err)
	}
	if cfg.StaticsDir != "" {
		if err := copyStatics(cfg.StaticsDir, cfg.OutputPath); err != nil {
			return xerrors.Errorf("copying static resources: %w", err)
		}
	}

	st, err := openPostgresStore(ctx, cfg.DSN, cfg.PyPIRoot)
	if err != nil {
		return err
	}
	defer st.Close()

	var paused atomic.Bool

	builds := make(chan packageVersion, 10)
	indexes := make(chan string, 10)
	internalStatus := make(chan statusMsg, 10)
	control := make(chan controlCmd, 1)
	toBuildCatcher := make(chan beginTransfer, 64)
	fromBuildCatcher := make(chan transferOutcome, 64)
	killCh := make(chan int)
	countReq := make(chan chan<- int)

	scraperLog := log.New(log.Writer(), "[scraper] ", log.LstdFlags)
	queueLog := log.New(log.Writer(), "[queue] ", log.LstdFlags)
	statusLog := log.New(log.Writer(), "[status] ", log.LstdFlags)
	slavesLog := log.New(log.Writer(), "[slaves] ", log.LstdFlags)
	transfersLog := log.New(log.Writer(), "[transfers] ", log.LstdFlags)
	indexesLog := log.New(log.Writer(), "[indexes] ", log.LstdFlags)
	supervisorLog := log.New(log.Writer(), "[supervisor] ", log.LstdFlags)

	scraper := &packageScraper{log: scraperLog, store: st, pypiRoot: cfg.PyPIRoot, paused: &paused}
	stuffer := &queueStuffer{log: queueLog, store: st, out: builds}
	bb := &bigBrother{log: statusLog, store: st, outputPath: cfg.OutputPath, status: internalStatus}
	driver := newSlaveDriver(slavesLog, st, &paused, cfg.WorkerAddr, builds, indexes, internalStatus,
		toBuildCatcher, fromBuildCatcher, killCh, countReq)
	catcher := newBuildCatcher(transfersLog, cfg.OutputPath, cfg.TransferAddr, fromBuildCatcher, toBuildCatcher)
	scribbler := &indexScribbler{log: indexesLog, store: st, outputPath: cfg.OutputPath, indexes: indexes}
	publisher := newStatusPublisher()

	taskCtx, cancelTasks := context.WithCancel(ctx)
	defer cancelTasks()

	g, gctx := errgroup.WithContext(taskCtx)
	g.Go(func() error { return scraper.run(gctx) })
	g.Go(func() error { return stuffer.run(gctx) })
	g.Go(func() error { return bb.run(gctx) })
	g.Go(func() error { return driver.run(gctx) })
	g.Go(func() error { return catcher.run(gctx) })
	g.Go(func() error { return scribbler.run(gctx) })
	g.Go(func() error { return serveControl(gctx, supervisorLog, cfg.ControlSocket, control) })
	g.Go(func() error { return publisher.serve(gctx, cfg.StatusSocket) })

	supervisorErr := make(chan error, 1)
	go func() {
		supervisorErr <- superviseLoop(taskCtx, supervisorLog, control, internalStatus, publisher, &paused, killCh, countReq)
	}()

	select {
	case <-gctx.Done():
		// A task failed fatally; errgroup already canceled gctx for the
		// rest and recorded the first error for g.Wait() below.
	case err := <-supervisorErr:
		if err != nil {
			supervisorLog.Printf("supervisor loop: %v", err)
		}
	}

	shutdown(taskCtx, supervisorLog, cancelTasks, killCh, countReq)

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()
	select {
	case err := <-waitErr:
		return err
	case <-time.After(shutdownJoinDeadline):
		supervisorLog.Printf("tasks did not exit within %s, returning anyway", shutdownJoinDeadline)
		return nil
	}
}

// superviseLoop forwards internal STATUS to the external publisher and
// reacts to control commands.
func superviseLoop(ctx context.Context, logger *log.Logger, control <-chan controlCmd,
	internalStatus <-chan statusMsg, publisher *statusPublisher, paused *atomic.Bool,
	kill chan<- int, countReq chan<- chan<- int) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-internalStatus:
			publisher.publish(msg)
		case cmd := <-control:
			switch cmd.Name {
			case "QUIT":
				logger.Printf("shutting down on QUIT command")
				return nil
			case "KILL":
				logger.Printf("killing worker %d", cmd.SlaveID)
				select {
				case kill <- cmd.SlaveID:
				case <-ctx.Done():
					return nil
				}
			case "PAUSE":
				logger.Printf("pausing operations")
				paused.Store(true)
			case "RESUME":
				logger.Printf("resuming operations")
				paused.Store(false)
			default:
				logger.Printf("ignoring unknown control command %q", cmd.Name)
			}
		}
	}
}

// shutdown marks every worker terminated, waits up to shutdownDrainWindow
// for the worker map to drain as each finishes its current IDLE/BYE
// handshake, then cancels every task's context.
func shutdown(ctx context.Context, logger *log.Logger, cancel context.CancelFunc,
	kill chan<- int, countReq chan<- chan<- int) {
	select {
	case kill <- 0:
	case <-time.After(time.Second):
	}

	deadline := time.Now().Add(shutdownDrainWindow)
	for time.Now().Before(deadline) {
		reply := make(chan int, 1)
		select {
		case countReq <- reply:
		case <-time.After(200 * time.Millisecond):
			continue
		}
		if n := <-reply; n == 0 {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}

	logger.Printf("broadcasting quit")
	cancel()
}

// copyStatics recursively copies the static resources (CSS, favicon,
// search assets) the rendered HTML indexes reference into the output
// root, tolerating a pre-existing destination.
func copyStatics(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil && !os.IsExist(err) {
				return err
			}
			return nil
		}
		if _, err := os.Stat(target); err == nil {
			return nil // already present, don't clobber
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0644)
	})
}
