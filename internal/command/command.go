// Package command implements the JSONL command/event surface: a Unix
// domain socket server that accepts one JSON command object per line,
// dispatches it to the messaging/discovery/filetransfer components, writes
// one JSON reply per command on the same connection, and broadcasts every
// engine event to all connected clients. Clients are expected to tolerate
// unknown event types, per spec.
package command

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/perezcam/linkchat/internal/discovery"
	"github.com/perezcam/linkchat/internal/events"
	"github.com/perezcam/linkchat/internal/filetransfer"
	"github.com/perezcam/linkchat/internal/logging"
	"github.com/perezcam/linkchat/internal/messaging"
)

// Request is one decoded command-channel line.
type Request struct {
	ID      string          `json:"id,omitempty"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is written back on the same connection that sent the Request
// with the same ID, once per Request.
type Response struct {
	ID     string      `json:"id,omitempty"`
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Server accepts command connections on a Unix domain socket and implements
// events.Emitter by broadcasting to every connection currently attached.
type Server struct {
	listener net.Listener
	logger   *logging.Logger

	messenger *messaging.Messenger
	table     *discovery.NeighborTable
	sender    *filetransfer.Sender

	mu    sync.Mutex
	conns map[net.Conn]*json.Encoder
}

// Config holds Server construction parameters.
type Config struct {
	SocketPath string
	Messenger  *messaging.Messenger
	Table      *discovery.NeighborTable
	Sender     *filetransfer.Sender
	Logger     *logging.Logger
}

// Wiring holds the components Server dispatches commands to. It is set
// separately from Config/Listen because the Server itself is usually the
// Emitter those components are built with: the socket has to exist before
// Messenger/Sender/Receiver can be constructed, and dispatch can only be
// wired up once they exist.
type Wiring struct {
	Messenger *messaging.Messenger
	Table     *discovery.NeighborTable
	Sender    *filetransfer.Sender
}

// Wire attaches the components a Server dispatches commands to, once they
// exist. Safe to call before Serve; unsafe to call concurrently with it.
func (s *Server) Wire(w Wiring) {
	s.messenger = w.Messenger
	s.table = w.Table
	s.sender = w.Sender
}

// Listen binds the Unix domain socket at cfg.SocketPath, removing any stale
// socket file left behind by a prior crashed process.
func Listen(cfg Config) (*Server, error) {
	if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("command: remove stale socket %s: %w", cfg.SocketPath, err)
	}

	l, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("command: listen on %s: %w", cfg.SocketPath, err)
	}

	return &Server{
		listener:  l,
		logger:    cfg.Logger,
		messenger: cfg.Messenger,
		table:     cfg.Table,
		sender:    cfg.Sender,
		conns:     make(map[net.Conn]*json.Encoder),
	}, nil
}

// Serve accepts connections until the listener is closed. Run it in its own
// goroutine; Close unblocks it.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Close shuts the listener and every open connection.
func (s *Server) Close() error {
	err := s.listener.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	enc := json.NewEncoder(conn)

	s.mu.Lock()
	s.conns[conn] = enc
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleLine(conn, enc, line)
	}
}

func (s *Server) handleLine(conn net.Conn, enc *json.Encoder, line []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("command: recovered from panic handling request: %v", r)
		}
	}()

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeLocked(conn, enc, Response{OK: false, Error: fmt.Sprintf("malformed request: %v", err)})
		return
	}

	resp := s.dispatch(req)
	resp.ID = req.ID
	s.writeLocked(conn, enc, resp)
}

// writeLocked guards the encoder with the same mutex as the connection
// registry: a command reply and a broadcast event can race for the same
// connection's writer otherwise.
func (s *Server) writeLocked(conn net.Conn, enc *json.Encoder, resp Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[conn]; !ok {
		return
	}
	if err := enc.Encode(resp); err != nil {
		s.logger.Debug("command: write reply: %v", err)
	}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Command {
	case "ping":
		return Response{OK: true, Result: "pong"}
	case "echo":
		return s.handleEcho(req)
	case "send_text":
		return s.handleSendText(req)
	case "send_text_all":
		return s.handleSendTextAll(req)
	case "roster_get":
		return s.handleRosterGet()
	case "file_send":
		return s.handleFileSend(req)
	case "folder_send":
		return s.handleFolderSend(req)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Command)}
	}
}

func (s *Server) handleEcho(req Request) Response {
	var p struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return Response{OK: false, Error: "echo: missing text"}
	}
	return Response{OK: true, Result: p.Text}
}

func (s *Server) handleSendText(req Request) Response {
	var p struct {
		Dst  string `json:"dst"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return Response{OK: false, Error: "send_text: invalid params"}
	}
	dst, err := net.ParseMAC(p.Dst)
	if err != nil {
		return Response{OK: false, Error: fmt.Sprintf("send_text: invalid dst: %v", err)}
	}
	if err := s.messenger.SendText(dst, p.Text); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true}
}

func (s *Server) handleSendTextAll(req Request) Response {
	var p struct {
		Text        string   `json:"text"`
		ActiveSince *float64 `json:"active_since"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return Response{OK: false, Error: "send_text_all: invalid params"}
	}

	var (
		recipients []discovery.Neighbor
		err        error
	)
	if p.ActiveSince != nil {
		recipients, err = s.messenger.SendTextAllSince(p.Text, time.Duration(*p.ActiveSince*float64(time.Second)))
	} else {
		recipients, err = s.messenger.SendTextAll(p.Text)
	}
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Result: rosterNames(recipients)}
}

func (s *Server) handleRosterGet() Response {
	return Response{OK: true, Result: rosterNames(s.table.Snapshot())}
}

func (s *Server) handleFileSend(req Request) Response {
	var p struct {
		Path string `json:"path"`
		Dst  string `json:"dst"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return Response{OK: false, Error: "file_send: invalid params"}
	}
	dst, err := net.ParseMAC(p.Dst)
	if err != nil {
		return Response{OK: false, Error: fmt.Sprintf("file_send: invalid dst: %v", err)}
	}
	ctx, err := s.sender.SendFile(dst, p.Path)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}

	// Block until the FILE_META handshake resolves: acknowledged, failed, or
	// timed out. MetaDone is bounded by the sender's own meta timeout, so
	// this never blocks longer than that.
	select {
	case <-ctx.MetaDone():
	case <-ctx.Done():
	}

	if !ctx.MetaAcked() {
		if txErr := ctx.Err(); txErr != nil {
			return Response{OK: false, Error: txErr.Error()}
		}
		return Response{OK: false, Error: "file_send: META not acknowledged"}
	}

	return Response{OK: true, Result: map[string]string{"file_id": ctx.FileID}}
}

func (s *Server) handleFolderSend(req Request) Response {
	var p struct {
		Folder string `json:"folder"`
		Dst    string `json:"dst"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return Response{OK: false, Error: "folder_send: invalid params"}
	}
	dst, err := net.ParseMAC(p.Dst)
	if err != nil {
		return Response{OK: false, Error: fmt.Sprintf("folder_send: invalid dst: %v", err)}
	}

	go func() {
		if _, err := s.sender.SendFolder(dst, p.Folder); err != nil {
			s.logger.Warn("command: folder_send %s: %v", p.Folder, err)
		}
	}()
	return Response{OK: true, Result: "started"}
}

type neighborView struct {
	MAC      string    `json:"mac"`
	Alias    string    `json:"alias"`
	LastSeen time.Time `json:"last_seen"`
}

func rosterNames(neighbors []discovery.Neighbor) []neighborView {
	out := make([]neighborView, 0, len(neighbors))
	for _, n := range neighbors {
		out = append(out, neighborView{MAC: n.MAC.String(), Alias: n.Alias, LastSeen: n.LastSeen})
	}
	return out
}

// WriteRequest encodes and writes one request line to conn, for CLI
// subcommands that act as a command-socket client rather than the server.
func WriteRequest(conn net.Conn, req Request) error {
	return json.NewEncoder(conn).Encode(req)
}

// ReadResponse reads and decodes one response line from conn.
func ReadResponse(conn net.Conn) (Response, error) {
	var resp Response
	err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp)
	return resp, err
}

// MarshalStringMap encodes a flat string map as a Request's Params, for CLI
// subcommands that only ever pass simple key/value arguments.
func MarshalStringMap(m map[string]string) (json.RawMessage, error) {
	return json.Marshal(m)
}

// PrintResult writes a command's Result value to w as indented JSON, or
// "ok" if there was no result to show.
func PrintResult(w io.Writer, result interface{}) {
	if result == nil {
		fmt.Fprintln(w, "ok")
		return
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fmt.Fprintf(w, "%v\n", result)
	}
}

// Emit implements events.Emitter: it broadcasts env to every open
// connection, matching the teacher's single-producer/multi-consumer JSONL
// broadcast shape. Writes happen synchronously under the server mutex, so a
// client that stops reading can delay delivery to the others; encoding
// errors are logged at debug level and dropped rather than propagated.
func (s *Server) Emit(eventType events.EventType, data interface{}) {
	env := events.Envelope{Type: eventType, Timestamp: time.Now(), Data: data}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, enc := range s.conns {
		if err := enc.Encode(env); err != nil {
			s.logger.Debug("command: broadcast to %s: %v", conn.RemoteAddr(), err)
		}
	}
}
