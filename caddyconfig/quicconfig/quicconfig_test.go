package quicconfig

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klzgrad/naiveproxy-sub075/modules/quicengine"
	"github.com/klzgrad/naiveproxy-sub075/quiccore"
)

func TestTOMLAdapterProducesRunnableConfig(t *testing.T) {
	body := []byte(`
perspective = "server"
active_connection_id_limit = 4
initial_max_streams_bidi = 50
initial_max_streams_uni = 20
max_ack_height_threshold = 1.5

[ack_decimation]
mode = "decimation"
max_ack_ranges = 128
local_max_ack_delay_ms = 20
ack_decimation_delay = 0.25
min_received_before_ack_decimation = 100
`)

	result, warnings, err := TOMLAdapter{}.Adapt(body, nil)
	require.NoError(t, err)
	require.Empty(t, warnings)

	var cfg quiccore.Config
	require.NoError(t, json.Unmarshal(result, &cfg))
	require.Contains(t, cfg.AppsRaw, "quicengine")

	var engine quicengine.Engine
	require.NoError(t, json.Unmarshal(cfg.AppsRaw["quicengine"], &engine))
	require.Equal(t, "server", engine.Perspective)
	require.Equal(t, uint64(4), engine.ActiveConnectionIDLimit)
	require.Equal(t, uint64(50), engine.InitialMaxStreamsBidi)
}

func TestTOMLAdapterDefaultsPerspectiveWithWarning(t *testing.T) {
	result, warnings, err := TOMLAdapter{}.Adapt([]byte(``), nil)
	require.NoError(t, err)
	require.Len(t, warnings, 1)

	var cfg quiccore.Config
	require.NoError(t, json.Unmarshal(result, &cfg))

	var engine quicengine.Engine
	require.NoError(t, json.Unmarshal(cfg.AppsRaw["quicengine"], &engine))
	require.Equal(t, "server", engine.Perspective)
}

func TestTOMLAdapterRejectsUnknownAckMode(t *testing.T) {
	body := []byte("[ack_decimation]\nmode = \"bogus\"\n")
	_, _, err := TOMLAdapter{}.Adapt(body, nil)
	require.Error(t, err)
}

func TestGetAdapterFindsRegisteredTOMLAdapter(t *testing.T) {
	require.NotNil(t, GetAdapter("toml"))
	require.Nil(t, GetAdapter("nonexistent"))
}

func TestAdapterRegisteredAsQuicModule(t *testing.T) {
	mi, err := quiccore.GetModule("quiccore.adapters.toml")
	require.NoError(t, err)
	require.Equal(t, "quiccore.adapters.toml", string(mi.ID))
}
