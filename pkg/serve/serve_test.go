package serve

import (
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"LISTEN_PID", "LISTEN_FDS", EnvOverride, EnvProduction} {
		v, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, v)
			}
		})
	}
}

func TestSelect_DefaultsToStandard(t *testing.T) {
	clearEnv(t)
	kind, err := Select()
	require.NoError(t, err)
	assert.Equal(t, KindStandard, kind)
}

func TestSelect_DetectsSystemdSocket(t *testing.T) {
	clearEnv(t)
	os.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()))
	os.Setenv("LISTEN_FDS", "1")

	kind, err := Select()
	require.NoError(t, err)
	assert.Equal(t, KindSystemdSocket, kind)
}

func TestSelect_MismatchedPidIsNotSystemd(t *testing.T) {
	clearEnv(t)
	os.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()+1))
	os.Setenv("LISTEN_FDS", "1")

	kind, err := Select()
	require.NoError(t, err)
	assert.Equal(t, KindStandard, kind)
}

func TestSelect_OverrideTrustedInDevelopment(t *testing.T) {
	clearEnv(t)
	os.Setenv(EnvOverride, string(KindSystemdSocket))

	kind, err := Select()
	require.NoError(t, err)
	assert.Equal(t, KindStandard, kind, "dev mode falls back quietly when the override names an unavailable capability")
}

func TestSelect_OverrideFatalInProduction(t *testing.T) {
	clearEnv(t)
	os.Setenv(EnvOverride, string(KindSystemdSocket))
	os.Setenv(EnvProduction, "true")

	_, err := Select()
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSelect_ProductionRequiresExplicitRuntime(t *testing.T) {
	clearEnv(t)
	os.Setenv(EnvProduction, "true")

	_, err := Select()
	assert.ErrorIs(t, err, ErrExplicitRequired)
}

func TestSelect_OverrideHonoredWhenCapabilityPresent(t *testing.T) {
	clearEnv(t)
	os.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()))
	os.Setenv("LISTEN_FDS", "1")
	os.Setenv(EnvOverride, string(KindSystemdSocket))

	kind, err := Select()
	require.NoError(t, err)
	assert.Equal(t, KindSystemdSocket, kind)
}

func TestListener_StandardBindsLoopback(t *testing.T) {
	l, err := Listener(KindStandard, "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	assert.NotEmpty(t, l.Addr().String())
}
