package remotesim

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sync"

	"github.com/osprey-dcs/dp-jal-sub001/internal/transport"
	"github.com/osprey-dcs/dp-jal-sub001/internal/wire"
)

// Client dials a remotesim Server and implements both
// transport.ProviderRegistrar and transport.RemoteService. One Client
// can register a provider once and open any number of streams
// afterward, each on its own connection.
type Client struct {
	addr   string
	tlsCfg *tls.Config
}

// NewClient creates a Client bound to a remotesim server address.
func NewClient(addr string, tlsCfg *tls.Config) *Client {
	return &Client{addr: addr, tlsCfg: tlsCfg}
}

func (c *Client) dial(ctx context.Context) (*connCodec, error) {
	var d tls.Dialer
	d.Config = c.tlsCfg
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("remotesim: dialing %s: %w", c.addr, err)
	}
	return newConnCodec(conn), nil
}

// RegisterProvider implements transport.ProviderRegistrar.
func (c *Client) RegisterProvider(ctx context.Context, req transport.ProviderRegistration) (wire.ProviderUID, error) {
	codec, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer codec.conn.Close()

	if err := codec.send(envelope{Kind: kindRegisterReq, RegName: req.Name, RegAttrs: req.Attributes}); err != nil {
		return "", fmt.Errorf("remotesim: sending registration: %w", err)
	}

	resp, err := codec.recv()
	if err != nil {
		return "", fmt.Errorf("remotesim: reading registration response: %w", err)
	}
	if resp.RegErr != "" {
		return "", fmt.Errorf("remotesim: registration rejected: %s", resp.RegErr)
	}
	return resp.Provider, nil
}

// clientHandle implements transport.ForwardHandle over one open stream
// connection.
type clientHandle struct {
	codec *connCodec
	mu    sync.Mutex
}

func (h *clientHandle) Send(m *wire.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.codec.send(envelope{
		Kind:       kindData,
		UID:        m.UID,
		Payload:    m.Payload,
		Compressed: m.Compressed,
	})
}

func (h *clientHandle) HalfClose() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.codec.send(envelope{Kind: kindHalfClose})
}

func (h *clientHandle) ErrorClose(cause error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	err := h.codec.send(envelope{Kind: kindErrorClose, ErrMessage: msg})
	h.codec.conn.Close()
	return err
}

func (c *Client) openStream(ctx context.Context, mode transport.StreamMode, cb transport.ResponseCallback) (transport.ForwardHandle, error) {
	codec, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	if err := codec.send(envelope{Kind: kindStreamOpen, Mode: mode}); err != nil {
		codec.conn.Close()
		return nil, fmt.Errorf("remotesim: opening stream: %w", err)
	}

	go func() {
		defer codec.conn.Close()
		for {
			e, err := codec.recv()
			if err != nil {
				if err != io.EOF {
					cb.OnError(fmt.Errorf("remotesim: reading response: %w", err))
				}
				return
			}
			switch e.Kind {
			case kindResponse:
				resp := &transport.Response{RequestUIDs: e.RespUIDs, Success: e.Success}
				if !e.Success {
					resp.Exception = &transport.Exception{Kind: e.ExcKind, Message: e.ExcMessage}
				}
				cb.OnNext(resp)
			case kindCompleted:
				cb.OnCompleted()
				return
			}
		}
	}()

	return &clientHandle{codec: codec}, nil
}

// IngestDataStream implements transport.RemoteService (forward mode).
func (c *Client) IngestDataStream(ctx context.Context, cb transport.ResponseCallback) (transport.ForwardHandle, error) {
	return c.openStream(ctx, transport.StreamForward, cb)
}

// IngestDataBidiStream implements transport.RemoteService (bidirectional
// mode).
func (c *Client) IngestDataBidiStream(ctx context.Context, cb transport.ResponseCallback) (transport.ForwardHandle, error) {
	return c.openStream(ctx, transport.StreamBidirectional, cb)
}
