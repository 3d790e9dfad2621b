package runtime

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tune23wb/sms-panel/internal/config"
	"github.com/tune23wb/sms-panel/internal/smpp/smsctest"
)

func memoryConfig(t *testing.T, smscAddr string) *config.Config {
	t.Helper()
	host, portStr, err := net.SplitHostPort(smscAddr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Database.Driver = "memory"
	cfg.Logging.Output = "stderr"
	cfg.Logging.Level = "error"
	cfg.SMPP.Host = host
	cfg.SMPP.Port = port
	cfg.SMPP.SystemID = "panel"
	cfg.SMPP.BackoffBase = 10 * time.Millisecond
	cfg.SMPP.BackoffMax = 50 * time.Millisecond
	return &cfg
}

func TestRunServesHealthAndShutsDown(t *testing.T) {
	srv := smsctest.Start(t)
	application, err := NewApplication(memoryConfig(t, srv.Addr()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- application.Run(ctx) }()

	require.Eventually(t, func() bool { return application.Addr() != "" }, 3*time.Second, 5*time.Millisecond)
	base := "http://" + application.Addr()

	var report struct {
		Healthy bool   `json:"healthy"`
		State   string `json:"state"`
	}
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		return json.NewDecoder(resp.Body).Decode(&report) == nil
	}, 3*time.Second, 10*time.Millisecond, "gateway never became healthy")
	assert.True(t, report.Healthy)
	assert.Equal(t, "BOUND", report.State)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-runErr)
	require.NoError(t, application.Shutdown(context.Background()))
}

func TestOpenDatabaseRequiresDSN(t *testing.T) {
	_, err := OpenDatabase(config.DatabaseConfig{Driver: "postgres"})
	assert.Error(t, err)
	_, err = OpenDatabase(config.DatabaseConfig{DSN: "postgres://x"})
	assert.Error(t, err)
}
