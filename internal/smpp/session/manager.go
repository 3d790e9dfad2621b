package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/tune23wb/sms-panel/internal/app/domain/message"
	"github.com/tune23wb/sms-panel/internal/app/metrics"
	"github.com/tune23wb/sms-panel/internal/smpp/pdu"
	"github.com/tune23wb/sms-panel/pkg/logger"
)

// DialFunc opens the transport connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ReceiptHandler consumes delivery receipts arriving on the session.
type ReceiptHandler func(ctx context.Context, receipt message.Receipt)

// Option customises a Manager.
type Option func(*Manager)

// WithDialer replaces the TCP dialer.
func WithDialer(dial DialFunc) Option {
	return func(m *Manager) {
		if dial != nil {
			m.dial = dial
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithRand sets the jitter source.
func WithRand(rng *rand.Rand) Option {
	return func(m *Manager) {
		m.rng = rng
	}
}

// Manager owns the SMPP session. Start runs the connect/bind/keepalive loop
// until Stop; Submit is safe for concurrent use.
type Manager struct {
	cfg  Config
	dial DialFunc
	log  *logger.Logger

	mu           sync.Mutex
	rng          *rand.Rand
	state        State
	link         *link
	failures     int
	fatal        bool
	boundID      string
	lastActivity time.Time
	bindDeadline time.Time
	listeners    []func(StateChange)
	receipts     ReceiptHandler

	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a disconnected Manager.
func New(cfg Config, opts ...Option) *Manager {
	var d net.Dialer
	m := &Manager{
		cfg:   cfg.withDefaults(),
		dial:  d.DialContext,
		log:   logger.NewDefault("smpp-session"),
		state: StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return m
}

// Name implements system.Service.
func (m *Manager) Name() string { return "smpp-session" }

// OnStateChange registers a listener for every state transition.
func (m *Manager) OnStateChange(fn func(StateChange)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// OnReceipt registers the delivery receipt handler.
func (m *Manager) OnReceipt(fn ReceiptHandler) {
	m.mu.Lock()
	m.receipts = fn
	m.mu.Unlock()
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Health returns a snapshot for the health surface.
func (m *Manager) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Health{
		State:               m.state,
		ConsecutiveFailures: m.failures,
		Fatal:               m.fatal,
		BoundSystemID:       m.boundID,
		LastActivity:        m.lastActivity,
		BindDeadline:        m.bindDeadline,
		Addr:                m.cfg.Addr,
	}
}

// ReconnectDelay is the wait before reconnect attempt n (1-based).
func (m *Manager) ReconnectDelay(n int) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return NextBackoffDelay(m.cfg.Backoff, n, m.rng)
}

// transition moves to `to` when the current state is one of `from` (any
// state when from is empty) and notifies listeners outside the lock.
func (m *Manager) transition(to State, cause error, from ...State) bool {
	m.mu.Lock()
	current := m.state
	if len(from) > 0 {
		allowed := false
		for _, s := range from {
			if s == current {
				allowed = true
				break
			}
		}
		if !allowed {
			m.mu.Unlock()
			return false
		}
	}
	if current == to {
		m.mu.Unlock()
		return true
	}
	m.state = to
	listeners := append([]func(StateChange){}, m.listeners...)
	m.mu.Unlock()

	metrics.SetSessionState(to.String())
	entry := m.log.WithField("from", current.String()).WithField("to", to.String())
	if cause != nil {
		entry = entry.WithError(cause)
	}
	entry.Info("smpp session state changed")

	notify(listeners, StateChange{From: current, To: to, Err: cause, At: time.Now().UTC()})
	return true
}

func notify(listeners []func(StateChange), change StateChange) {
	for _, fn := range listeners {
		fn(change)
	}
}

func (m *Manager) touch() {
	m.mu.Lock()
	m.lastActivity = time.Now().UTC()
	m.mu.Unlock()
}

// Connect opens the transport. It is bounded by ConnectTimeout and leaves
// the session DISCONNECTED on failure.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.transition(StateConnecting, nil, StateDisconnected) {
		return fmt.Errorf("%w: connect from %s", ErrInvalidState, m.State())
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	conn, err := m.dial(dialCtx, "tcp", m.cfg.Addr)
	if err != nil {
		cerr := &ConnectError{Addr: m.cfg.Addr, Err: err}
		m.transition(StateDisconnected, cerr)
		return cerr
	}

	l := newLink(conn, m.cfg.WriteTimeout)
	m.mu.Lock()
	m.link = l
	m.mu.Unlock()
	m.touch()
	go m.readLoop(l)

	m.transition(StateConnected, nil, StateConnecting)
	return nil
}

// Bind sends bind_transceiver. A rejection or a missing response tears the
// transport down; a rejected transport is never re-bound.
func (m *Manager) Bind(ctx context.Context) error {
	m.mu.Lock()
	l := m.link
	m.mu.Unlock()
	if l == nil || !m.transition(StateBinding, nil, StateConnected) {
		return fmt.Errorf("%w: bind from %s", ErrInvalidState, m.State())
	}

	m.mu.Lock()
	m.bindDeadline = time.Now().UTC().Add(m.cfg.BindTimeout)
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.bindDeadline = time.Time{}
		m.mu.Unlock()
	}()

	body := pdu.Bind{
		SystemID:   m.cfg.Credentials.SystemID,
		Password:   m.cfg.Credentials.Password,
		SystemType: m.cfg.Credentials.SystemType,
	}.Marshal()
	resp, err := l.request(ctx, pdu.BindTransceiver, body, m.cfg.BindTimeout)
	if err != nil {
		err = fmt.Errorf("bind: %w", err)
		m.teardown(l, err)
		return err
	}
	if resp.Header.Command == pdu.GenericNack || resp.Header.Status != pdu.StatusOK {
		status := resp.Header.Status
		if status == pdu.StatusOK {
			status = pdu.StatusBindFailed
		}
		rejected := &BindRejectedError{Status: status}
		m.teardown(l, rejected)
		return rejected
	}

	systemID, _ := pdu.ParseMessageID(resp.Body)
	m.mu.Lock()
	m.boundID = systemID
	m.failures = 0
	m.fatal = false
	m.mu.Unlock()
	metrics.SetSessionFailures(0)

	if !m.transition(StateBound, nil, StateBinding) {
		return fmt.Errorf("%w: link lost during bind", ErrInvalidState)
	}
	return nil
}

// teardown closes l and returns the session to DISCONNECTED if l is still
// the current link.
func (m *Manager) teardown(l *link, cause error) {
	m.mu.Lock()
	current := m.link == l
	if current {
		m.link = nil
		m.boundID = ""
	}
	m.mu.Unlock()
	l.close(cause)
	if current {
		m.transition(StateDisconnected, cause)
	}
}

// closeGracefully unbinds and waits at most CloseTimeout for unbind_resp
// before the socket is destroyed.
func (m *Manager) closeGracefully(l *link) {
	if m.transition(StateUnbinding, nil, StateBound) {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CloseTimeout)
		_, err := l.request(ctx, pdu.Unbind, nil, m.cfg.CloseTimeout)
		cancel()
		if err != nil {
			m.log.WithError(err).Warn("unbind not acknowledged; forcing close")
		}
	}
	m.mu.Lock()
	if m.link == l {
		m.link = nil
		m.boundID = ""
	}
	m.mu.Unlock()
	l.close(nil)
	m.transition(StateDisconnected, nil)
}

func (m *Manager) readLoop(l *link) {
	for {
		p, err := pdu.Read(l.reader)
		if err != nil {
			m.teardown(l, err)
			return
		}
		m.touch()

		if p.Header.Command.IsResponse() {
			if !l.resolve(p) {
				m.log.WithField("command", p.Header.Command.String()).
					WithField("sequence", p.Header.Sequence).
					Debug("response without waiter discarded")
			}
			continue
		}

		switch p.Header.Command {
		case pdu.EnquireLink:
			m.reply(l, pdu.NewResponse(p.Header, pdu.StatusOK, nil))
		case pdu.DeliverSM:
			m.handleDeliver(l, p)
		case pdu.Unbind:
			m.reply(l, pdu.NewResponse(p.Header, pdu.StatusOK, nil))
			m.teardown(l, ErrRemoteUnbind)
			return
		default:
			nack := pdu.Packet{Header: pdu.Header{Command: pdu.GenericNack, Status: pdu.StatusInvalidCmdID, Sequence: p.Header.Sequence}}
			m.reply(l, nack)
		}
	}
}

func (m *Manager) reply(l *link, p pdu.Packet) {
	if err := l.write(p); err != nil {
		m.teardown(l, err)
	}
}

func (m *Manager) handleDeliver(l *link, p pdu.Packet) {
	sm, err := pdu.UnmarshalShortMessage(p.Body)
	if err != nil {
		m.log.WithError(err).Warn("malformed deliver_sm")
		m.reply(l, pdu.NewResponse(p.Header, pdu.StatusInvalidMsgLen, pdu.MessageIDBody("")))
		return
	}
	m.reply(l, pdu.NewResponse(p.Header, pdu.StatusOK, pdu.MessageIDBody("")))

	r, err := pdu.ParseReceipt(sm)
	if errors.Is(err, pdu.ErrNotReceipt) {
		m.log.WithField("source", sm.SourceAddr).Info("mobile-originated message ignored")
		return
	}
	if err != nil {
		m.log.WithError(err).Warn("unparseable delivery receipt")
		return
	}

	m.mu.Lock()
	handler := m.receipts
	m.mu.Unlock()
	if handler == nil {
		m.log.WithField("provider_id", r.MessageID).Warn("delivery receipt dropped: no handler")
		return
	}
	receipt := message.Receipt{
		ProviderID: r.MessageID,
		State:      message.ReceiptState(r.State),
		ErrorCode:  r.Error,
		Text:       r.Text,
		ReceivedAt: time.Now().UTC(),
	}
	go handler(context.Background(), receipt)
}

// Submit writes a submit_sm. An error means nothing reached the wire. Once
// written, the returned channel yields exactly one result, and neither ctx
// cancellation nor the caller giving up withdraws the PDU.
func (m *Manager) Submit(ctx context.Context, env message.Envelope) (<-chan message.SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	state, l := m.state, m.link
	m.mu.Unlock()
	if state != StateBound || l == nil {
		return nil, message.ErrNotBound
	}

	addr := m.cfg.Addressing
	payload, coding, err := pdu.EncodeText(env.Content, addr.DataCoding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", message.ErrPermanentRejection, err)
	}
	source := env.SourceAddress
	if source == "" {
		source = addr.SourceAddr
	}
	sm := pdu.ShortMessage{
		SourceAddrTON:   addr.SourceTON,
		SourceAddrNPI:   addr.SourceNPI,
		SourceAddr:      source,
		DestAddrTON:     addr.DestTON,
		DestAddrNPI:     addr.DestNPI,
		DestinationAddr: env.Destination,
		DataCoding:      coding,
		Payload:         payload,
	}
	if addr.RegisteredDelivery {
		sm.RegisteredDelivery = 1
	}
	body, err := sm.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", message.ErrPermanentRejection, err)
	}

	sentAt := time.Now()
	seq, wait, err := l.send(pdu.SubmitSM, body)
	if err != nil {
		return nil, fmt.Errorf("%w: write submit_sm: %v", message.ErrTransient, err)
	}

	out := make(chan message.SubmitResult, 1)
	go func() {
		out <- m.awaitSubmit(l, seq, wait, sentAt)
		close(out)
	}()
	return out, nil
}

func (m *Manager) awaitSubmit(l *link, seq uint32, wait <-chan pdu.Packet, sentAt time.Time) message.SubmitResult {
	timer := time.NewTimer(m.cfg.ResponseTimeout)
	defer timer.Stop()

	select {
	case resp := <-wait:
		latency := time.Since(sentAt)
		status := resp.Header.Status
		if resp.Header.Command == pdu.GenericNack && status == pdu.StatusOK {
			status = pdu.StatusUnknownError
		}
		if status != pdu.StatusOK {
			rejection := &message.RejectionError{Status: status, Transient: pdu.IsTransient(status)}
			result := "permanent"
			if rejection.Transient {
				result = "transient"
			}
			metrics.RecordSubmit(result, latency)
			return message.SubmitResult{CommandStatus: status, Err: rejection}
		}
		providerID, err := pdu.ParseMessageID(resp.Body)
		if err != nil || providerID == "" {
			metrics.RecordSubmit("unknown", latency)
			return message.SubmitResult{Err: fmt.Errorf("%w: accepted without message_id", message.ErrOutcomeUnknown)}
		}
		metrics.RecordSubmit("accepted", latency)
		return message.SubmitResult{ProviderID: providerID}
	case <-timer.C:
		l.forget(seq)
		metrics.RecordSubmit("unknown", 0)
		return message.SubmitResult{Err: fmt.Errorf("%w: no submit_sm_resp within %s", message.ErrOutcomeUnknown, m.cfg.ResponseTimeout)}
	case <-l.done:
		metrics.RecordSubmit("unknown", 0)
		return message.SubmitResult{Err: fmt.Errorf("%w: %v", message.ErrOutcomeUnknown, l.err())}
	}
}

// Start launches the session loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.runCancel != nil {
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.runCancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(runCtx)
	}()
	m.log.Infof("smpp session started for %s", m.cfg.Addr)
	return nil
}

// Stop ends the loop, unbinding gracefully. It never schedules a reconnect.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.runCancel
	m.runCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	m.mu.Lock()
	l := m.link
	m.mu.Unlock()
	if l != nil {
		m.teardown(l, nil)
	}
	return err
}

func (m *Manager) run(ctx context.Context) {
	for {
		err := m.runSession(ctx)
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		m.failures++
		n := m.failures
		limit := m.cfg.MaxReconnectAttempts
		if limit > 0 && n > limit {
			m.fatal = true
		}
		fatal := m.fatal
		listeners := append([]func(StateChange){}, m.listeners...)
		m.mu.Unlock()
		metrics.SetSessionFailures(n)

		if fatal {
			m.log.WithError(err).Errorf("smpp session fatal after %d consecutive failures", n)
			notify(listeners, StateChange{From: StateDisconnected, To: StateDisconnected, Err: ErrReconnectExhausted, At: time.Now().UTC()})
			return
		}

		delay := m.ReconnectDelay(n)
		metrics.RecordReconnect()
		m.log.WithError(err).Warnf("smpp session lost; reconnect attempt %d in %s", n, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Manager) runSession(ctx context.Context) error {
	if err := m.Connect(ctx); err != nil {
		return err
	}
	if err := m.Bind(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	l := m.link
	m.mu.Unlock()
	if l == nil {
		return errLinkClosed
	}
	return m.keepalive(ctx, l)
}

// keepalive sends enquire_link every interval while bound. MaxMissedKeepalives
// consecutive unanswered probes tear the session down.
func (m *Manager) keepalive(ctx context.Context, l *link) error {
	interval := m.cfg.EnquireLinkInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	acks := make(chan error, 1)
	inflight := false
	missed := 0
	for {
		select {
		case <-ctx.Done():
			m.closeGracefully(l)
			return ctx.Err()
		case <-l.done:
			return l.err()
		case err := <-acks:
			inflight = false
			if err == nil {
				missed = 0
				continue
			}
			if errors.Is(err, errLinkClosed) || errors.Is(err, context.Canceled) {
				continue
			}
			missed++
			m.log.WithError(err).Warnf("enquire_link unanswered (%d/%d)", missed, m.cfg.MaxMissedKeepalives)
			if missed >= m.cfg.MaxMissedKeepalives {
				m.teardown(l, ErrKeepaliveTimeout)
				return ErrKeepaliveTimeout
			}
		case <-ticker.C:
			if inflight {
				continue
			}
			inflight = true
			go func() {
				_, err := l.request(ctx, pdu.EnquireLink, nil, interval)
				acks <- err
			}()
		}
	}
}
