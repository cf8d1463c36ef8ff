package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" api-key = abc ,broken, =novalue,tenant=chainid")
	require.Equal(t, map[string]string{"api-key": "abc", "tenant": "chainid"}, got)
	require.Empty(t, ParseHeaders(""))
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "chainid"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	shutdown, err = Init(context.Background(), Config{Enabled: true, ServiceName: "chainid"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Traces: true})
	require.Error(t, err)
}

func TestInitInstallsProviders(t *testing.T) {
	ctx := context.Background()
	shutdown, err := Init(ctx, Config{
		Enabled:     true,
		ServiceName: "chainid-test",
		Network:     "memory",
		Endpoint:    "127.0.0.1:1",
		Insecure:    true,
		Traces:      true,
	})
	require.NoError(t, err)
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	// Nothing listens on the endpoint; shutdown must still return.
	_ = shutdown(cancelled)
}
