package app

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tune23wb/sms-panel/internal/app/domain/ledger"
	"github.com/tune23wb/sms-panel/internal/app/domain/message"
	"github.com/tune23wb/sms-panel/internal/app/events"
	"github.com/tune23wb/sms-panel/internal/app/services/gateway"
	"github.com/tune23wb/sms-panel/internal/app/storage/memory"
	"github.com/tune23wb/sms-panel/internal/config"
	"github.com/tune23wb/sms-panel/internal/smpp/session"
	"github.com/tune23wb/sms-panel/internal/smpp/smsctest"
	"github.com/tune23wb/sms-panel/pkg/logger"
)

func testConfig(t *testing.T, addr string) *config.Config {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Database.Driver = "memory"
	cfg.SMPP.Host = host
	cfg.SMPP.Port = port
	cfg.SMPP.SystemID = "panel"
	cfg.SMPP.Password = "secret"
	cfg.SMPP.SourceAddr = "PANEL"
	cfg.SMPP.BackoffBase = 10 * time.Millisecond
	cfg.SMPP.BackoffMax = 50 * time.Millisecond
	cfg.SMPP.ResponseTimeout = time.Second
	cfg.Gateway.AcceptWait = 2 * time.Second
	cfg.Delivery.WaitWindow = 2 * time.Second
	cfg.Delivery.RetryBackoff = 10 * time.Millisecond
	cfg.Delivery.SweepInterval = 20 * time.Millisecond
	return &cfg
}

func startApp(t *testing.T, srv *smsctest.Server) (*Application, *memory.Store) {
	t.Helper()
	store := memory.New()
	application, err := New(testConfig(t, srv.Addr()), Stores{Ledger: store, Accounts: store}, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() { _ = application.Stop(context.Background()) })

	require.Eventually(t, func() bool {
		return application.Session.State() == session.StateBound && application.Queue.Ready()
	}, 3*time.Second, 5*time.Millisecond, "session never bound")

	_, err = store.CreateAccount(context.Background(), ledger.Account{ID: "acct-1", Balance: 1000})
	require.NoError(t, err)
	return application, store
}

func waitStatus(t *testing.T, application *Application, id string, want message.Status) message.Message {
	t.Helper()
	var msg message.Message
	require.Eventually(t, func() bool {
		var err error
		msg, err = application.Gateway.Status(context.Background(), id)
		return err == nil && msg.Status == want
	}, 3*time.Second, 5*time.Millisecond, "message never reached %s", want)
	return msg
}

func TestSendIsDeliveredAndDebited(t *testing.T) {
	srv := smsctest.Start(t)
	srv.SetAutoReceipt("DELIVRD")
	application, store := startApp(t, srv)

	result, err := application.Gateway.Send(context.Background(), gateway.SendRequest{
		AccountID:   "acct-1",
		Destination: "+1 (555) 000-1111",
		Content:     "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(70), result.Cost)

	msg := waitStatus(t, application, result.MessageID, message.StatusDelivered)
	assert.NotEmpty(t, msg.ProviderID)

	subs := srv.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "hello", subs[0].Text)

	acct, err := store.GetAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(930), acct.Balance)
	assert.Equal(t, int64(0), acct.Reserved)

	var types []events.Type
	for _, e := range application.Events.RecentByMessage(result.MessageID, 10) {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, events.TypeMessageAccepted)
	assert.Contains(t, types, events.TypeMessageDelivered)
}

func TestPermanentRejectionReleasesReservation(t *testing.T) {
	srv := smsctest.Start(t)
	srv.SetSubmitStatus(func(smsctest.Submission) uint32 { return 0x0000000B })
	application, store := startApp(t, srv)

	result, err := application.Gateway.Send(context.Background(), gateway.SendRequest{
		AccountID:   "acct-1",
		Destination: "+15550001111",
		Content:     "bad destination",
	})
	require.NoError(t, err)

	msg := waitStatus(t, application, result.MessageID, message.StatusFailed)
	assert.Equal(t, message.ReasonPermanentRejection, msg.FailureReason)

	acct, err := store.GetAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), acct.Balance)
	assert.Equal(t, int64(0), acct.Reserved)
}

func TestUndeliveredReceiptFailsMessage(t *testing.T) {
	srv := smsctest.Start(t)
	application, store := startApp(t, srv)

	result, err := application.Gateway.Send(context.Background(), gateway.SendRequest{
		AccountID:   "acct-1",
		Destination: "+15550001111",
		Content:     "hi",
	})
	require.NoError(t, err)
	sent := waitStatus(t, application, result.MessageID, message.StatusSent)

	require.NoError(t, srv.SendReceipt(sent.ProviderID, "UNDELIV"))
	msg := waitStatus(t, application, result.MessageID, message.StatusFailed)
	assert.Equal(t, "DeliveryReceipt:UNDELIV", msg.FailureReason)

	acct, err := store.GetAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), acct.Balance)
	assert.Equal(t, int64(0), acct.Reserved)
}

func TestSessionStateIsPublished(t *testing.T) {
	srv := smsctest.Start(t)
	application, _ := startApp(t, srv)

	states := application.Events.RecentByType(events.TypeSessionState, 10)
	require.NotEmpty(t, states)
	assert.Equal(t, "BOUND", states[0].State)
}
