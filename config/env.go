package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envNetwork       = "CHAINID_NETWORK"
	envEndpoint      = "CHAINID_ALGOD_URL"
	envToken         = "CHAINID_ALGOD_TOKEN"
	envIndexer       = "CHAINID_INDEXER_URL"
	envIndexerToken  = "CHAINID_INDEXER_TOKEN"
	envTimeout       = "CHAINID_TIMEOUT"
	envSubmitRate    = "CHAINID_SUBMIT_RATE"
	envMode          = "CHAINID_MODE"
	envIdentityAppID = "CHAINID_IDENTITY_APP_ID"
	envPaymentAppID  = "CHAINID_PAYMENT_APP_ID"
	envArtifactsDir  = "CHAINID_ARTIFACTS_DIR"
	envOnSchemaBreak = "CHAINID_ON_SCHEMA_BREAK"
	envOnUpdate      = "CHAINID_ON_UPDATE"
	envAddress       = "CHAINID_ADDRESS"
	envListen        = "CHAINID_LISTEN"
	envJWTSecret     = "CHAINID_JWT_SECRET"
	envLogEnv        = "CHAINID_ENV"
	envLogLevel      = "CHAINID_LOG_LEVEL"
	envLogFile       = "CHAINID_LOG_FILE"
	envOTLPEndpoint  = "OTEL_EXPORTER_OTLP_ENDPOINT"
	envOTLPHeaders   = "OTEL_EXPORTER_OTLP_HEADERS"
	envTelemetry     = "CHAINID_TELEMETRY"
)

func (c *Config) applyEnv() error {
	c.Network.Name = getenvDefault(envNetwork, c.Network.Name)
	c.Network.Endpoint = getenvDefault(envEndpoint, c.Network.Endpoint)
	c.Network.Token = getenvDefault(envToken, c.Network.Token)
	c.Network.IndexerEndpoint = getenvDefault(envIndexer, c.Network.IndexerEndpoint)
	c.Network.IndexerToken = getenvDefault(envIndexerToken, c.Network.IndexerToken)
	c.Network.Timeout = parseDurationDefault(envTimeout, c.Network.Timeout)
	c.Network.SubmitRate = parseFloatDefault(envSubmitRate, c.Network.SubmitRate)

	c.Contracts.Mode = getenvDefault(envMode, c.Contracts.Mode)
	c.Contracts.ArtifactsDir = getenvDefault(envArtifactsDir, c.Contracts.ArtifactsDir)
	c.Contracts.OnSchemaBreak = getenvDefault(envOnSchemaBreak, c.Contracts.OnSchemaBreak)
	c.Contracts.OnUpdate = getenvDefault(envOnUpdate, c.Contracts.OnUpdate)
	var err error
	if c.Contracts.IdentityAppID, err = parseUintDefault(envIdentityAppID, c.Contracts.IdentityAppID); err != nil {
		return err
	}
	if c.Contracts.PaymentAppID, err = parseUintDefault(envPaymentAppID, c.Contracts.PaymentAppID); err != nil {
		return err
	}

	c.Wallet.Address = getenvDefault(envAddress, c.Wallet.Address)

	c.Gateway.ListenAddress = getenvDefault(envListen, c.Gateway.ListenAddress)
	c.Gateway.Auth.HMACSecret = getenvDefault(envJWTSecret, c.Gateway.Auth.HMACSecret)

	c.Logging.Env = getenvDefault(envLogEnv, c.Logging.Env)
	c.Logging.Level = getenvDefault(envLogLevel, c.Logging.Level)
	c.Logging.File = getenvDefault(envLogFile, c.Logging.File)

	c.Telemetry.Endpoint = getenvDefault(envOTLPEndpoint, c.Telemetry.Endpoint)
	c.Telemetry.Headers = getenvDefault(envOTLPHeaders, c.Telemetry.Headers)
	c.Telemetry.Enabled = parseBoolDefault(envTelemetry, c.Telemetry.Enabled)
	return nil
}

func getenvDefault(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}

func parseDurationDefault(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func parseFloatDefault(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 {
		return def
	}
	return f
}

func parseBoolDefault(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

// App ids are rejected rather than defaulted: a wrong id silently binds the
// session to someone else's application.
func parseUintDefault(key string, def uint64) (uint64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
