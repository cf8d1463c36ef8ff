package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"chainid/core/tracker"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		entry := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestNewEmitsServiceFieldsAndRenamedKeys(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := New(Options{Service: "chainid", Env: "dev", Output: &buf})
	defer closer.Close()

	logger.Info("action settled", "key", "register", "algod_token", "abc", "wallet_mnemonic", "abandon abandon")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	entry := lines[0]
	require.Equal(t, "action settled", entry["message"])
	require.Equal(t, "INFO", entry["severity"])
	require.Contains(t, entry, "timestamp")
	require.Equal(t, "chainid", entry["service"])
	require.Equal(t, "dev", entry["env"])
	require.Equal(t, "register", entry["key"])
	require.Equal(t, RedactedValue, entry["algod_token"])
	require.Equal(t, RedactedValue, entry["wallet_mnemonic"])
}

func TestNewHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(Options{Service: "chainid", Level: slog.LevelWarn, Output: &buf})
	logger.Info("quiet")
	logger.Warn("loud")
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	require.Equal(t, "loud", lines[0]["message"])
}

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chainid.log")
	logger, closer := New(Options{Service: "chainid", File: path, MaxSizeMB: 1})
	logger.Info("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "to file")
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("address", "ALGOADDR").Value.String())
	require.Equal(t, "register", MaskField("key", "register").Value.String())
	require.Equal(t, "", MaskField("address", "").Value.String())
	require.True(t, IsSensitive("HMAC_SECRET"))
	require.False(t, IsSensitive("platform"))
	require.Contains(t, RedactionAllowlist(), "tx_id")
}

func TestNotifierLogsBySeverity(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(Options{Service: "chainid", Output: &buf})
	sink := Notifier(logger)

	sink.Notify(context.Background(), tracker.Notification{
		Key: "register", TicketID: "t-1", State: tracker.Succeeded,
		Message: "register succeeded", Severity: tracker.SeveritySuccess,
	})
	sink.Notify(context.Background(), tracker.Notification{
		Key: "claim:dao", TicketID: "t-2", State: tracker.Failed,
		Message: "claim:dao failed: boom", Severity: tracker.SeverityError,
		Reason: "operation", Err: errors.New("boom"),
	})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	require.Equal(t, "INFO", lines[0]["severity"])
	require.Equal(t, "succeeded", lines[0]["state"])
	require.Equal(t, "tracker", lines[0]["component"])
	require.Equal(t, "ERROR", lines[1]["severity"])
	require.Equal(t, "operation", lines[1]["reason"])
	require.Equal(t, "boom", lines[1]["error"])
}
