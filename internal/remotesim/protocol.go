// Package remotesim is a reference implementation of the transport
// interfaces this module only defines: an in-process fake for unit
// tests, and a minimal TLS/TCP client+server pair for the demo binaries
// (cmd/ingest-producer, cmd/ingest-sim-service). The wire encoding here
// (gob envelopes over a persistent connection) is illustrative — a real
// Data Platform client speaks whatever RPC framework and generated codec
// the platform defines; this package exists so the demo has something
// concrete to dial.
//
// Grounded on the teacher's server.go Run/RunWithListener accept loop
// (TLS listener, backoff on repeated Accept errors, one goroutine per
// connection) and handler.go's per-session dispatch, simplified from
// byte-range SACKs to per-request acknowledgements/summaries.
package remotesim

import (
	"encoding/gob"
	"net"

	"github.com/osprey-dcs/dp-jal-sub001/internal/transport"
	"github.com/osprey-dcs/dp-jal-sub001/internal/wire"
)

type envelopeKind byte

const (
	kindRegisterReq envelopeKind = iota
	kindRegisterResp
	kindStreamOpen
	kindData
	kindHalfClose
	kindResponse
	kindCompleted
	kindErrorClose
)

// envelope is the single frame type exchanged over a remotesim
// connection; only the fields relevant to Kind are populated.
type envelope struct {
	Kind envelopeKind

	// kindRegisterReq / kindRegisterResp
	RegName    string
	RegAttrs   map[string]string
	Provider   wire.ProviderUID
	RegErr     string

	// kindStreamOpen
	Mode transport.StreamMode

	// kindData
	UID        wire.RequestUID
	Payload    []byte
	Compressed bool

	// kindResponse
	RespUIDs   []wire.RequestUID
	Success    bool
	ExcKind    string
	ExcMessage string

	// kindErrorClose
	ErrMessage string
}

type connCodec struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

func newConnCodec(conn net.Conn) *connCodec {
	return &connCodec{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
}

func (c *connCodec) send(e envelope) error {
	return c.enc.Encode(&e)
}

func (c *connCodec) recv() (envelope, error) {
	var e envelope
	err := c.dec.Decode(&e)
	return e, err
}
