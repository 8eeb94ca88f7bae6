package quicengine

import (
	"crypto/rand"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/klzgrad/naiveproxy-sub075/internal/qerr"
	"github.com/klzgrad/naiveproxy-sub075/internal/quicalarm"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/ackhandler"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/packet"
	"github.com/klzgrad/naiveproxy-sub075/quiccore"
)

func init() {
	quiccore.RegisterModule(Engine{})
}

// Engine is the quiccore app that owns every live Connection in this
// process, wiring each one up from the same negotiated/default config
// and reporting aggregate traffic into quiccore's prometheus registry.
type Engine struct {
	// Perspective is "client" or "server"; it decides which stream-ID
	// parity each connection's four streamid.Manager instances own.
	Perspective string `json:"perspective,omitempty"`

	// ActiveConnectionIDLimit is advertised to peers via transport
	// parameters and bounds component F's self-issued CID count.
	ActiveConnectionIDLimit uint64 `json:"active_connection_id_limit,omitempty"`

	InitialMaxStreamsBidi uint64            `json:"initial_max_streams_bidi,omitempty"`
	InitialMaxStreamsUni  uint64            `json:"initial_max_streams_uni,omitempty"`
	MaxAckHeightThreshold float64           `json:"max_ack_height_threshold,omitempty"`
	AckConfig             ackhandler.Config `json:"ack,omitempty"`

	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]*Connection
}

// QuicModule returns the engine app's module information.
func (Engine) QuicModule() quiccore.ModuleInfo {
	return quiccore.ModuleInfo{
		ID:  "quicengine",
		New: func() quiccore.Module { return new(Engine) },
	}
}

// Provision sets the engine's defaults and prepares its connection table.
func (e *Engine) Provision(ctx quiccore.Context) error {
	e.logger = ctx.Logger(e)
	e.conns = make(map[string]*Connection)

	if e.ActiveConnectionIDLimit == 0 {
		e.ActiveConnectionIDLimit = 2
	}
	if e.InitialMaxStreamsBidi == 0 {
		e.InitialMaxStreamsBidi = 100
	}
	if e.InitialMaxStreamsUni == 0 {
		e.InitialMaxStreamsUni = 100
	}
	if e.MaxAckHeightThreshold == 0 {
		e.MaxAckHeightThreshold = 1.8
	}

	return nil
}

// Validate ensures the engine's configuration is usable.
func (e *Engine) Validate() error {
	switch e.Perspective {
	case "client", "server":
	default:
		return fmt.Errorf("quicengine: perspective must be \"client\" or \"server\", got %q", e.Perspective)
	}
	return nil
}

// Start logs that the engine is ready to mint connections. Connections
// themselves are created on demand by NewConnectionEngine, not at Start
// time, since this app owns no listening socket of its own.
func (e *Engine) Start() error {
	e.logger.Info("quic engine started",
		zap.String("perspective", e.Perspective),
		zap.Uint64("active_connection_id_limit", e.ActiveConnectionIDLimit),
	)
	return nil
}

// Stop closes every connection this engine still owns.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, c := range e.conns {
		c.Close(qerr.NoError, "engine stopped")
		delete(e.conns, id)
	}
	quiccore.SetConnectionsActive(0)
	return nil
}

func (e *Engine) perspective() Perspective {
	if e.Perspective == "client" {
		return PerspectiveClient
	}
	return PerspectiveServer
}

// defaultConnectionIDGenerator mints random 8-byte connection IDs, the
// length quic-go and most production stacks default to.
func defaultConnectionIDGenerator() packet.ConnectionID {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return packet.NewConnectionID(b)
}

// NewConnectionEngine builds, tracks, and returns a fresh Connection
// keyed by id (typically the connection's original destination
// connection ID, hex-encoded). The caller is responsible for later
// calling CloseConnectionEngine once the connection's Visitor observes
// OnConnectionClosed.
func (e *Engine) NewConnectionEngine(id string, firstSendingPN packet.Number, clock quicalarm.Clock) *Connection {
	cfg := Config{
		Perspective:             e.perspective(),
		ActiveConnectionIDLimit: e.ActiveConnectionIDLimit,
		InitialMaxStreamsBidi:   e.InitialMaxStreamsBidi,
		InitialMaxStreamsUni:    e.InitialMaxStreamsUni,
		AckConfig:               e.AckConfig,
		MaxAckHeightThreshold:   e.MaxAckHeightThreshold,
		ConnectionIDGenerator:   defaultConnectionIDGenerator,
	}

	conn := NewConnection(cfg, firstSendingPN, clock, e.logger)

	e.mu.Lock()
	e.conns[id] = conn
	quiccore.SetConnectionsActive(len(e.conns))
	e.mu.Unlock()

	return conn
}

// CloseConnectionEngine drops the tracked connection for id, updating
// the active-connection gauge.
func (e *Engine) CloseConnectionEngine(id string) {
	e.mu.Lock()
	delete(e.conns, id)
	quiccore.SetConnectionsActive(len(e.conns))
	e.mu.Unlock()
}

// ConnectionEngine returns the tracked connection for id, if any.
func (e *Engine) ConnectionEngine(id string) (*Connection, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conns[id]
	return c, ok
}

// Interface guards
var (
	_ quiccore.App         = (*Engine)(nil)
	_ quiccore.Module      = (*Engine)(nil)
	_ quiccore.Provisioner = (*Engine)(nil)
	_ quiccore.Validator   = (*Engine)(nil)
)
