package quiccmd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisteredCommandsIncludeRunVersionValidate(t *testing.T) {
	cmds := Commands()
	for _, name := range []string{"run", "validate-config", "version"} {
		_, ok := cmds[name]
		require.True(t, ok, "expected command %q to be registered", name)
	}
}

func TestCmdVersionPrintsVersion(t *testing.T) {
	status, err := cmdVersion(Flags{})
	require.NoError(t, err)
	require.Equal(t, 0, status)
}

func TestCmdRunRequiresConfigFlag(t *testing.T) {
	status, err := cmdRun(Flags{configFlags()})
	require.Error(t, err)
	require.Equal(t, 1, status)
}

func TestGuessAdapterFromExtension(t *testing.T) {
	require.Equal(t, "toml", guessAdapter("quic.toml", ""))
	require.Equal(t, "", guessAdapter("quic.json", ""))
	require.Equal(t, "custom", guessAdapter("quic.toml", "custom"))
}
