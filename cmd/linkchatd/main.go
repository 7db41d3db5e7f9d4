// Command linkchatd is the cobra CLI launcher for the linkchat engine: it
// wires config, raw interface, security envelope, pipeline, discovery,
// messaging, and file transfer together, and exposes them over a JSONL
// command/event socket. The graphical front-end, history persistence, and
// any transport other than raw Ethernet are out of scope, same as the
// engine core they launch.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/perezcam/linkchat/internal/command"
	"github.com/perezcam/linkchat/internal/config"
	"github.com/perezcam/linkchat/internal/discovery"
	"github.com/perezcam/linkchat/internal/events"
	"github.com/perezcam/linkchat/internal/filetransfer"
	"github.com/perezcam/linkchat/internal/logging"
	"github.com/perezcam/linkchat/internal/messaging"
	"github.com/perezcam/linkchat/internal/metrics"
	"github.com/perezcam/linkchat/internal/pipeline"
	"github.com/perezcam/linkchat/internal/rawiface"
	"github.com/perezcam/linkchat/internal/security"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "linkchatd",
		Short:   "LAN chat and file transfer over raw Ethernet",
		Version: Version,
	}

	root.AddCommand(
		newRunCmd(),
		newSendCmd(),
		newSendFolderCmd(),
		newRosterCmd(),
		newInterfacesCmd(),
	)
	return root
}

// engineFlags are the CLI surface shared by every subcommand that talks to
// a running (or about-to-run) engine: where its command socket lives, and
// how verbose its own logging should be.
type engineFlags struct {
	socketPath  string
	logLevel    string
	metricsAddr string
}

func addEngineFlags(cmd *cobra.Command, f *engineFlags) {
	cmd.Flags().StringVar(&f.socketPath, "command-socket", "", "JSONL command socket path (default: $IPC_DIR/linkchat-<alias>.sock, IPC_DIR defaults to /tmp)")
	cmd.Flags().StringVar(&f.logLevel, "log", "info", "log level: error|warn|info|debug|trace")
}

func newRunCmd() *cobra.Command {
	f := &engineFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine: bind the raw interface, beacon, and serve the command socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(f)
		},
	}
	addEngineFlags(cmd, f)
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve prometheus /metrics on this address (disabled if empty)")
	return cmd
}

func runEngine(f *engineFlags) error {
	level, err := logging.ParseLevel(f.logLevel)
	if err != nil {
		return err
	}
	logger := logging.NewLogger(level)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration: %v", err)
		os.Exit(1)
	}

	iface, err := rawiface.Open(rawiface.Config{Interface: cfg.Interface, EtherType: cfg.EtherType, Logger: logger})
	if err != nil {
		logger.Error("raw interface: %v", err)
		os.Exit(1)
	}
	defer iface.Close()
	logger.Info("bound %s (ethertype 0x%04x), local MAC %s", iface.InterfaceName(), cfg.EtherType, iface.LocalMAC())

	envelope := security.New(cfg.PSK)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()
	defer signal.Stop(sigCh)

	var metricsRegistry *metrics.Registry
	if f.metricsAddr != "" {
		metricsRegistry = metrics.NewRegistry()
		metricsSrv := &http.Server{Addr: f.metricsAddr, Handler: metricsRegistry.Handler()}
		go func() {
			logger.Info("metrics listening on %s", f.metricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shutdownCancel()
			metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	pl, err := pipeline.New(pipeline.Config{Interface: iface, Envelope: envelope, Logger: logger, Metrics: metricsRegistry})
	if err != nil {
		logger.Error("pipeline: %v", err)
		os.Exit(1)
	}

	sockPath := f.socketPath
	if sockPath == "" {
		sockPath = defaultSocketPath(cfg.Alias)
	}
	if err := os.MkdirAll(filepath.Dir(sockPath), 0o755); err != nil {
		logger.Error("command socket directory: %v", err)
		os.Exit(1)
	}

	cmdServer, err := command.Listen(command.Config{SocketPath: sockPath, Logger: logger})
	if err != nil {
		logger.Error("command socket: %v", err)
		os.Exit(1)
	}
	defer cmdServer.Close()

	emitter := events.Emitter(cmdServer)
	if extra := jsonlSinkFromEnv(); extra != nil {
		emitter = events.MultiEmitter{cmdServer, extra}
		defer extra.Close()
	}

	var disc *discovery.Discovery
	disc = discovery.New(discovery.Config{
		Pipeline: pl,
		Alias:    cfg.Alias,
		Logger:   logger,
		OnChanged: func() {
			emitter.Emit(events.EventNeighborsChanged, events.NeighborsChangedData{Neighbors: neighborInfos(disc)})
		},
	})
	disc.Attach()

	msgr := messaging.New(messaging.Config{Pipeline: pl, Table: disc.Table(), Emitter: emitter})
	msgr.Attach()

	sender := filetransfer.NewSender(filetransfer.SenderConfig{
		Pipeline: pl, Emitter: emitter, Metrics: metricsRegistry, Logger: logger, ChunkSize: cfg.ChunkSize,
	})
	sender.Attach()

	receiver := filetransfer.NewReceiver(filetransfer.ReceiverConfig{
		Pipeline: pl, Emitter: emitter, Metrics: metricsRegistry, Logger: logger, BaseDir: cfg.BaseDir,
	})
	receiver.Attach()

	cmdServer.Wire(command.Wiring{Messenger: msgr, Table: disc.Table(), Sender: sender})
	go func() {
		if err := cmdServer.Serve(); err != nil {
			logger.Debug("command socket closed: %v", err)
		}
	}()

	logger.Info("alias %q, base dir %q, command socket %s", cfg.Alias, cfg.BaseDir, sockPath)

	if err := pl.Run(ctx); err != nil {
		logger.Error("pipeline: %v", err)
		os.Exit(1)
	}
	return nil
}

func neighborInfos(d *discovery.Discovery) []events.NeighborInfo {
	neighbors := d.Table().Snapshot()
	out := make([]events.NeighborInfo, 0, len(neighbors))
	for _, n := range neighbors {
		out = append(out, events.NeighborInfo{MAC: n.MAC.String(), Alias: n.Alias, LastSeen: n.LastSeen})
	}
	return out
}

// defaultSocketPath mirrors the Python reference's
// _resolve_socket_path: $IPC_DIR/linkchat-<alias>.sock, IPC_DIR defaulting
// to /tmp rather than /ipc since this engine runs outside a container by
// default.
func defaultSocketPath(alias string) string {
	dir := os.Getenv("IPC_DIR")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, fmt.Sprintf("linkchat-%s.sock", alias))
}

// jsonlSinkFromEnv adds a second event sink alongside the command socket's
// own broadcast, controlled by EVENTS_OUTPUT: stdout, stderr, a file path,
// or unset to disable.
func jsonlSinkFromEnv() events.Emitter {
	switch out := os.Getenv("EVENTS_OUTPUT"); out {
	case "":
		return nil
	case "stdout":
		return events.NewJSONLineWriter(os.Stdout)
	case "stderr":
		return events.NewJSONLineWriter(os.Stderr)
	default:
		flags := os.O_WRONLY | os.O_APPEND | os.O_CREATE
		f, err := os.OpenFile(out, flags, 0o644)
		if err != nil {
			return nil
		}
		return events.NewJSONLineWriter(f)
	}
}

func newSendCmd() *cobra.Command {
	f := &engineFlags{}
	var dst, text string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a chat message through a running engine's command socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCommand(f, "send_text", map[string]string{"dst": dst, "text": text})
		},
	}
	addEngineFlags(cmd, f)
	cmd.Flags().StringVar(&dst, "dst", "", "destination MAC address (required)")
	cmd.Flags().StringVar(&text, "text", "", "message text (required)")
	cmd.MarkFlagRequired("dst")
	cmd.MarkFlagRequired("text")
	return cmd
}

func newSendFolderCmd() *cobra.Command {
	f := &engineFlags{}
	var dst, folder string
	cmd := &cobra.Command{
		Use:   "send-folder",
		Short: "Send every file under a folder to a neighbor through a running engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCommand(f, "folder_send", map[string]string{"dst": dst, "folder": folder})
		},
	}
	addEngineFlags(cmd, f)
	cmd.Flags().StringVar(&dst, "dst", "", "destination MAC address (required)")
	cmd.Flags().StringVar(&folder, "folder", "", "local folder to send (required)")
	cmd.MarkFlagRequired("dst")
	cmd.MarkFlagRequired("folder")
	return cmd
}

func newRosterCmd() *cobra.Command {
	f := &engineFlags{}
	cmd := &cobra.Command{
		Use:   "roster",
		Short: "List neighbors known to a running engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCommand(f, "roster_get", nil)
		},
	}
	addEngineFlags(cmd, f)
	return cmd
}

// sendCommand is the shared client path for every subcommand that talks to
// an already-running engine over its command socket: dial, write one JSON
// request line, print the one JSON reply line it gets back.
func sendCommand(f *engineFlags, cmdName string, params map[string]string) error {
	sockPath := f.socketPath
	if sockPath == "" {
		sockPath = defaultSocketPath(os.Getenv("ALIAS"))
	}

	conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", sockPath, err)
	}
	defer conn.Close()

	req := command.Request{Command: cmdName}
	if params != nil {
		raw, err := command.MarshalStringMap(params)
		if err != nil {
			return err
		}
		req.Params = raw
	}

	if err := command.WriteRequest(conn, req); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := command.ReadResponse(conn)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if !resp.OK {
		return fmt.Errorf("%s: %s", cmdName, resp.Error)
	}
	command.PrintResult(os.Stdout, resp.Result)
	return nil
}

func newInterfacesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interfaces",
		Short: "List network interfaces usable for INTERFACE/auto-selection",
		RunE: func(cmd *cobra.Command, args []string) error {
			ifaces, err := rawiface.ListInterfaces()
			if err != nil {
				return err
			}
			if len(ifaces) == 0 {
				fmt.Println("No network interfaces found.")
				return nil
			}
			fmt.Print(rawiface.FormatInterfaceList(ifaces))
			return nil
		},
	}
}
