// Portalwatch agent - one instrumented portal session
//
// The agent emits telemetry for a simulated portal page and accepts
// interactive commands on stdin:
//
//	click <element-id>      record one click (runs the rapid-click detector)
//	emit <type> [service]   emit a raw event
//	massdownload            run the mass-download attack scenario
//	highspeed               run the high-speed attack scenario
//	status                  print block state and queue depth
//	quit
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mrashdan/portalwatch/internal/config"
	"github.com/mrashdan/portalwatch/internal/event"
	"github.com/mrashdan/portalwatch/internal/idgen"
	"github.com/mrashdan/portalwatch/internal/logging"
	"github.com/mrashdan/portalwatch/internal/session"
	"github.com/mrashdan/portalwatch/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	logger.Info("starting portalwatch agent",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	sessionID := idgen.WithPrefix("sess_")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logging.WithSessionID(ctx, sessionID)
	ctx = logging.WithLogger(ctx, logger)
	logger = logging.L(ctx)

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTraces(context.Background()) }()

	sess, err := session.New(ctx, cfg, &terminalOverlay{}, false, logger)
	if err != nil {
		logger.Error("failed to create session", "error", err)
		os.Exit(1)
	}
	defer func() { _ = sess.Close() }()

	if err := sess.Start(ctx); err != nil {
		logger.Error("failed to start session", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	repl(ctx, sess)
}

// repl reads interaction commands until EOF, quit, or cancellation.
func repl(ctx context.Context, sess *session.Session) {
	fmt.Println("portalwatch agent ready (type 'help' for commands)")
	scanner := bufio.NewScanner(os.Stdin)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Print("> ")
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case line, ok = <-lines:
			if !ok {
				return
			}
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "help":
			fmt.Println("commands: click <element-id> | emit <type> [service] | massdownload | highspeed | status | quit")
		case "click":
			if len(fields) < 2 {
				fmt.Println("usage: click <element-id>")
				continue
			}
			if sess.Monitor().Observe(ctx, fields[1]) {
				fmt.Println("suspicious click pattern reported")
			}
		case "emit":
			if len(fields) < 2 {
				fmt.Println("usage: emit <type> [service]")
				continue
			}
			service := ""
			if len(fields) > 2 {
				service = fields[2]
			}
			out := sess.Emitter().Emit(ctx, event.Type(fields[1]), service, nil)
			switch {
			case out.Blocked:
				fmt.Println("blocked:", out.Message)
			case out.Queued:
				fmt.Println("queued for retry")
			case out.FingerprintGenerated:
				fmt.Printf("delivered; fingerprint %s (risk %.0f)\n", out.FingerprintID, out.RiskScore)
			default:
				fmt.Println("delivered")
			}
		case "massdownload":
			sess.Runner().MassDownload(ctx)
			fmt.Println("mass-download scenario complete")
		case "highspeed":
			sess.Runner().HighSpeed(ctx)
			fmt.Println("high-speed scenario complete")
		case "status":
			fmt.Printf("block_state=%s queue_depth=%d device_id=%s\n",
				sess.BlockState(), sess.Queue().Len(ctx), sess.DeviceID(ctx))
		case "quit", "exit":
			return
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}

// terminalOverlay renders the block notice on the terminal, standing in
// for the full-viewport overlay a browser session would show.
type terminalOverlay struct{}

func (terminalOverlay) Show(message string) {
	fmt.Println()
	fmt.Println("==================== ACCESS RESTRICTED ====================")
	fmt.Println(message)
	fmt.Println("Contact support or wait for an administrator to review.")
	fmt.Println("===========================================================")
}

func (terminalOverlay) Hide() {
	fmt.Println()
	fmt.Println(">>> Access restored. You may continue using the portal. <<<")
}
