package quicengine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine/packet"
	"github.com/klzgrad/naiveproxy-sub075/quiccore"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	ctx, err := quiccore.ProvisionContext(&quiccore.Config{})
	require.NoError(t, err)

	e := &Engine{Perspective: "server"}
	require.NoError(t, e.Provision(ctx))
	require.NoError(t, e.Validate())
	return e
}

func TestEngineRegisteredAsModule(t *testing.T) {
	mi, err := quiccore.GetModule("quicengine")
	require.NoError(t, err)
	require.Equal(t, "quicengine", string(mi.ID))

	instance := mi.New()
	_, ok := instance.(*Engine)
	require.True(t, ok)
}

func TestEngineValidateRejectsUnknownPerspective(t *testing.T) {
	e := &Engine{Perspective: "referee"}
	require.Error(t, e.Validate())
}

func TestEngineProvisionFillsDefaults(t *testing.T) {
	e := newTestEngine(t)
	require.Equal(t, uint64(2), e.ActiveConnectionIDLimit)
	require.Equal(t, uint64(100), e.InitialMaxStreamsBidi)
	require.Equal(t, uint64(100), e.InitialMaxStreamsUni)
	require.InDelta(t, 1.8, e.MaxAckHeightThreshold, 0.0001)
}

func TestNewConnectionEngineTracksAndClosesConnections(t *testing.T) {
	e := newTestEngine(t)

	c1 := e.NewConnectionEngine("conn-1", packet.NewNumber(1), nil)
	require.NotNil(t, c1)
	got, ok := e.ConnectionEngine("conn-1")
	require.True(t, ok)
	require.Same(t, c1, got)

	e.CloseConnectionEngine("conn-1")
	_, ok = e.ConnectionEngine("conn-1")
	require.False(t, ok)
}

func TestEngineStopClearsConnectionTable(t *testing.T) {
	e := newTestEngine(t)
	e.NewConnectionEngine("conn-1", packet.NewNumber(1), nil)
	e.NewConnectionEngine("conn-2", packet.NewNumber(1), nil)

	require.NoError(t, e.Stop())

	_, ok := e.ConnectionEngine("conn-1")
	require.False(t, ok)
	_, ok = e.ConnectionEngine("conn-2")
	require.False(t, ok)
}
