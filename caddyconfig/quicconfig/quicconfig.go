// Package quicconfig adapts a static TOML tunables file into the JSON
// quiccore.Config this module's Run/Load entry points expect, the way
// caddyconfig adapts non-JSON config formats into Caddy JSON.
package quicconfig

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine"
	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/ackhandler"
	"github.com/klzgrad/naiveproxy-sub075/quiccore"
)

// Adapter converts a non-JSON config body into quiccore Config JSON,
// returning any warnings noticed along the way.
type Adapter interface {
	Adapt(body []byte, options map[string]any) ([]byte, []Warning, error)
}

// Warning is a non-fatal note produced while adapting a config body.
type Warning struct {
	Line    int    `json:"line,omitempty"`
	Message string `json:"message,omitempty"`
}

func (w Warning) String() string {
	if w.Line > 0 {
		return fmt.Sprintf("line %d: %s", w.Line, w.Message)
	}
	return w.Message
}

// RegisterAdapter registers name as a config adapter, usable from a
// cmd/ flag or a future adapter lookup. It panics on duplicate names,
// matching caddyconfig.RegisterAdapter.
func RegisterAdapter(name string, adapter Adapter) {
	if _, ok := configAdapters[name]; ok {
		panic(fmt.Sprintf("%s: already registered", name))
	}
	configAdapters[name] = adapter
	quiccore.RegisterModule(adapterModule{name, adapter})
}

// GetAdapter returns the adapter registered under name, or nil.
func GetAdapter(name string) Adapter {
	return configAdapters[name]
}

var configAdapters = make(map[string]Adapter)

// adapterModule lets a config adapter double as a quiccore module, so
// `quiccore.Modules()` enumerates it alongside the engine and its
// sub-modules, matching caddyconfig's adapterModule wrapper.
type adapterModule struct {
	name string
	Adapter
}

func (am adapterModule) QuicModule() quiccore.ModuleInfo {
	return quiccore.ModuleInfo{
		ID:  quiccore.ModuleID("quiccore.adapters." + am.name),
		New: func() quiccore.Module { return am },
	}
}

func init() {
	RegisterAdapter("toml", TOMLAdapter{})
}

// Tunables is the static, file-based configuration surface for one
// quicengine.Engine instance: the knobs spec.md's ambient-stack
// expansion calls out (ack-decimation policy, connection-ID limits,
// stream-count limits), expressed the way an operator would hand-tune
// them outside of the JSON config a management plane would generate.
type Tunables struct {
	Perspective             string  `toml:"perspective"`
	ActiveConnectionIDLimit uint64  `toml:"active_connection_id_limit"`
	InitialMaxStreamsBidi   uint64  `toml:"initial_max_streams_bidi"`
	InitialMaxStreamsUni    uint64  `toml:"initial_max_streams_uni"`
	MaxAckHeightThreshold   float64 `toml:"max_ack_height_threshold"`

	AckDecimation AckDecimationPreset `toml:"ack_decimation"`
}

// AckDecimationPreset mirrors the tunable subset of ackhandler.Config
// that a static file can usefully express; durations are given in
// milliseconds since TOML has no native duration type.
type AckDecimationPreset struct {
	Mode                           string  `toml:"mode"` // "tcp", "decimation", or "decimation_reordering"
	MaxAckRanges                   int     `toml:"max_ack_ranges"`
	LocalMaxAckDelayMS             int64   `toml:"local_max_ack_delay_ms"`
	AckDecimationDelay             float64 `toml:"ack_decimation_delay"`
	MinReceivedBeforeAckDecimation uint64  `toml:"min_received_before_ack_decimation"`
}

func (p AckDecimationPreset) toAckConfig() (ackhandler.Config, error) {
	var mode ackhandler.AckMode
	switch p.Mode {
	case "", "tcp":
		mode = ackhandler.AckModeTCP
	case "decimation":
		mode = ackhandler.AckModeDecimation
	case "decimation_reordering":
		mode = ackhandler.AckModeDecimationWithReordering
	default:
		return ackhandler.Config{}, fmt.Errorf("quicconfig: unknown ack_decimation.mode %q", p.Mode)
	}
	return ackhandler.Config{
		Mode:                           mode,
		MaxAckRanges:                   p.MaxAckRanges,
		LocalMaxAckDelay:               time.Duration(p.LocalMaxAckDelayMS) * time.Millisecond,
		AckDecimationDelay:             p.AckDecimationDelay,
		MinReceivedBeforeAckDecimation: p.MinReceivedBeforeAckDecimation,
	}, nil
}

// TOMLAdapter turns a Tunables-shaped TOML document into a quiccore
// Config JSON document with a single "quicengine" app.
type TOMLAdapter struct{}

// Adapt parses body as TOML into Tunables and encodes the resulting
// quicengine.Engine app as quiccore Config JSON.
func (TOMLAdapter) Adapt(body []byte, _ map[string]any) ([]byte, []Warning, error) {
	var tun Tunables
	if err := toml.Unmarshal(body, &tun); err != nil {
		return nil, nil, fmt.Errorf("quicconfig: decoding toml: %w", err)
	}

	var warnings []Warning
	if tun.Perspective == "" {
		tun.Perspective = "server"
		warnings = append(warnings, Warning{Message: "perspective not set, defaulting to \"server\""})
	}

	ackCfg, err := tun.AckDecimation.toAckConfig()
	if err != nil {
		return nil, warnings, err
	}

	engine := quicengine.Engine{
		Perspective:             tun.Perspective,
		ActiveConnectionIDLimit: tun.ActiveConnectionIDLimit,
		InitialMaxStreamsBidi:   tun.InitialMaxStreamsBidi,
		InitialMaxStreamsUni:    tun.InitialMaxStreamsUni,
		MaxAckHeightThreshold:   tun.MaxAckHeightThreshold,
		AckConfig:               ackCfg,
	}

	engineJSON, err := json.Marshal(engine)
	if err != nil {
		return nil, warnings, fmt.Errorf("quicconfig: encoding engine config: %w", err)
	}

	cfg := quiccore.Config{
		AppsRaw: quiccore.ModuleMap{
			"quicengine": engineJSON,
		},
	}
	result, err := json.Marshal(cfg)
	if err != nil {
		return nil, warnings, fmt.Errorf("quicconfig: encoding quiccore config: %w", err)
	}

	return result, warnings, nil
}
