package api

import (
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/data"
)

// ExportServer is a TCP server returning the executed log as Arrow IPC.
//
// Every frame is length-prefixed. A client optionally authenticates with an
// AuthMessage, then sends ExportRequest frames; each is answered by an
// ExportResponse frame followed, when Count > 0, by one IPC stream frame.
type ExportServer struct {
	listener net.Listener
	handler  *ExportHandler
	auth     *Authenticator
	logger   zerolog.Logger
	running  bool
	mu       sync.Mutex
	quit     chan struct{}
	wg       sync.WaitGroup
}

// NewExportServer creates an export server over source.
func NewExportServer(source ExecutionSource, token string, logger zerolog.Logger) *ExportServer {
	return &ExportServer{
		handler: NewExportHandler(source),
		auth:    NewTokenAuthenticator(token),
		logger:  logger.With().Str("component", "export").Logger(),
		quit:    make(chan struct{}),
	}
}

// StartAsync starts the server in a background goroutine.
func (s *ExportServer) StartAsync(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("server is already running")
	}

	lis, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", address)
	}
	s.listener = lis
	s.running = true

	s.wg.Add(1)
	go s.acceptLoop(lis)

	s.logger.Info().Str("address", lis.Addr().String()).Msg("Export server listening")
	return nil
}

func (s *ExportServer) acceptLoop(lis net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				s.logger.Warn().Err(err).Msg("Accept failed")
				time.Sleep(10 * time.Millisecond)
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Addr returns the listening address, or "" when not started.
func (s *ExportServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops accepting and waits for open connections to finish.
func (s *ExportServer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.quit)
	if err := s.listener.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("Listener close failed")
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *ExportServer) handleConnection(conn net.Conn) {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.quit:
			conn.Close()
		case <-done:
		}
	}()

	authenticated := !s.auth.IsEnabled()
	for {
		frame, err := ReadMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug().Err(err).Msg("Read failed")
			}
			return
		}

		kind, err := frameType(frame)
		if err != nil {
			_ = writeJSON(conn, ExportResponse{Error: err.Error()})
			return
		}

		switch kind {
		case frameAuth:
			var msg AuthMessage
			_ = json.Unmarshal(frame, &msg)
			if err := s.auth.ValidateToken(msg.Token); err != nil {
				_ = writeJSON(conn, AuthResponse{Error: err.Error()})
				return
			}
			authenticated = true
			if err := writeJSON(conn, AuthResponse{Success: true}); err != nil {
				return
			}

		case frameExport:
			if !authenticated {
				_ = writeJSON(conn, ExportResponse{Error: ErrAuthRequired.Error()})
				return
			}
			var req ExportRequest
			if err := json.Unmarshal(frame, &req); err != nil {
				_ = writeJSON(conn, ExportResponse{Error: err.Error()})
				return
			}
			if err := s.export(conn, req); err != nil {
				s.logger.Debug().Err(err).Msg("Export failed")
				return
			}

		default:
			_ = writeJSON(conn, ExportResponse{Error: "unknown frame type " + kind})
			return
		}
	}
}

func (s *ExportServer) export(conn net.Conn, req ExportRequest) error {
	count, payload, err := s.handler.Handle(req)
	if err != nil {
		return writeJSON(conn, ExportResponse{Error: err.Error()})
	}
	if err := writeJSON(conn, ExportResponse{Count: count}); err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	return WriteMessage(conn, payload)
}

func writeJSON(w io.Writer, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WriteMessage(w, buf)
}

func readJSON(r io.Reader, v any) error {
	buf, err := ReadMessage(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, v)
}

// FetchExecutions downloads every execution above from from an export
// server at address.
func FetchExecutions(address, token string, from consensus.Seq, timeout time.Duration) ([]consensus.Execution, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", address)
	}
	defer conn.Close()
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	if token != "" {
		if err := writeJSON(conn, AuthMessage{Type: frameAuth, Token: token}); err != nil {
			return nil, err
		}
		var resp AuthResponse
		if err := readJSON(conn, &resp); err != nil {
			return nil, errors.Wrap(err, "failed to read auth response")
		}
		if !resp.Success {
			return nil, errors.Errorf("authentication rejected: %s", resp.Error)
		}
	}

	if err := writeJSON(conn, ExportRequest{Type: frameExport, From: from}); err != nil {
		return nil, err
	}
	var resp ExportResponse
	if err := readJSON(conn, &resp); err != nil {
		return nil, errors.Wrap(err, "failed to read export response")
	}
	if resp.Error != "" {
		return nil, errors.Errorf("export rejected: %s", resp.Error)
	}
	if resp.Count == 0 {
		return nil, nil
	}

	payload, err := ReadMessage(conn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read export payload")
	}
	records, err := data.DeserializeAllFromIPC(payload)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, r := range records {
			r.Release()
		}
	}()

	conv := data.NewConverter()
	var out []consensus.Execution
	for _, rec := range records {
		execs, err := conv.RecordToExecutions(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, execs...)
	}
	return out, nil
}
