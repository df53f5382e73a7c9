package remotesim

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/osprey-dcs/dp-jal-sub001/internal/transport"
	"github.com/osprey-dcs/dp-jal-sub001/internal/wire"

	"github.com/google/uuid"
)

const maxAcceptBackoff = 5 * time.Second

// FailurePolicy lets a demo or test configure deterministic failures
// injected by the Server, keyed by RequestUID.
type FailurePolicy func(uid wire.RequestUID) *transport.Exception

// Server is a reference Ingestion Service: it accepts connections,
// handles one-shot registration and streaming ingestion sessions, and
// acknowledges every request it receives (or reports an injected
// failure), by UID.
//
// Grounded on the teacher's server.Run/RunWithListener: TLS listener,
// backoff on consecutive Accept errors, one goroutine per connection.
type Server struct {
	logger *slog.Logger
	onFail FailurePolicy

	mu      sync.Mutex
	received []wire.RequestUID
}

// NewServer creates a Server. onFail may be nil to acknowledge
// everything unconditionally.
func NewServer(logger *slog.Logger, onFail FailurePolicy) *Server {
	return &Server{logger: logger, onFail: onFail}
}

// ReceivedCount reports how many data requests have been received
// across all connections so far. Reported in the demo binary's log
// output.
func (s *Server) ReceivedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

// Run listens on addr with tlsCfg and serves connections until ctx is
// canceled.
func (s *Server) Run(ctx context.Context, addr string, tlsCfg *tls.Config) error {
	ln, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("remotesim: listening on %s: %w", addr, err)
	}
	return s.RunWithListener(ctx, ln)
}

// RunWithListener serves connections on an already-open listener, for
// tests that want an ephemeral port.
func (s *Server) RunWithListener(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	s.logger.Info("remotesim server listening", "address", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				consecutiveErrors++
				s.logger.Error("remotesim accept error", "error", err, "consecutiveErrors", consecutiveErrors)
				if consecutiveErrors > 5 {
					delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
					if delay > maxAcceptBackoff {
						delay = maxAcceptBackoff
					}
					time.Sleep(delay)
				}
				continue
			}
		}
		consecutiveErrors = 0
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	codec := newConnCodec(conn)

	first, err := codec.recv()
	if err != nil {
		return
	}

	switch first.Kind {
	case kindRegisterReq:
		s.handleRegister(codec, first)
	case kindStreamOpen:
		s.handleStream(codec, first)
	}
}

func (s *Server) handleRegister(codec *connCodec, req envelope) {
	provider := wire.ProviderUID(uuid.New().String())
	s.logger.Info("remotesim registered provider", "provider", provider, "name", req.RegName)
	_ = codec.send(envelope{Kind: kindRegisterResp, Provider: provider})
}

func (s *Server) handleStream(codec *connCodec, open envelope) {
	var forwardedUIDs []wire.RequestUID

	for {
		e, err := codec.recv()
		if err != nil {
			return
		}

		switch e.Kind {
		case kindData:
			s.recordAck(e.UID)
			forwardedUIDs = append(forwardedUIDs, e.UID)

			if open.Mode == transport.StreamBidirectional {
				resp := s.respond(e.UID)
				if err := codec.send(resp); err != nil {
					return
				}
			}

		case kindHalfClose:
			if open.Mode != transport.StreamBidirectional {
				summary := s.summarize(forwardedUIDs)
				if err := codec.send(summary); err != nil {
					return
				}
			}
			_ = codec.send(envelope{Kind: kindCompleted})
			return

		case kindErrorClose:
			return
		}
	}
}

func (s *Server) recordAck(uid wire.RequestUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, uid)
}

func (s *Server) respond(uid wire.RequestUID) envelope {
	if s.onFail != nil {
		if exc := s.onFail(uid); exc != nil {
			return envelope{
				Kind:       kindResponse,
				RespUIDs:   []wire.RequestUID{uid},
				Success:    false,
				ExcKind:    exc.Kind,
				ExcMessage: exc.Message,
			}
		}
	}
	return envelope{Kind: kindResponse, RespUIDs: []wire.RequestUID{uid}, Success: true}
}

func (s *Server) summarize(uids []wire.RequestUID) envelope {
	if s.onFail != nil {
		var failed []wire.RequestUID
		var exc *transport.Exception
		for _, uid := range uids {
			if e := s.onFail(uid); e != nil {
				failed = append(failed, uid)
				exc = e
			}
		}
		if len(failed) > 0 {
			return envelope{
				Kind:       kindResponse,
				RespUIDs:   failed,
				Success:    false,
				ExcKind:    exc.Kind,
				ExcMessage: exc.Message,
			}
		}
	}
	return envelope{Kind: kindResponse, RespUIDs: uids, Success: true}
}
