// Package smsctest runs an in-process SMPP aggregator for tests.
package smsctest

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/tune23wb/sms-panel/internal/smpp/pdu"
)

// Submission is one submit_sm the server accepted or rejected.
type Submission struct {
	ProviderID  string
	Source      string
	Destination string
	Text        string
	DataCoding  byte
	Status      uint32
	ReceivedAt  time.Time
}

// Server is a minimal transceiver-mode aggregator listening on loopback.
type Server struct {
	ln net.Listener

	mu              sync.Mutex
	conns           map[*serverConn]struct{}
	submissions     []Submission
	binds           int
	nextID          int
	bindStatus      uint32
	submitStatus    func(Submission) uint32
	autoReceipt     string
	answerEnquire   bool
	holdSubmitResps bool
	seq             uint32
	notify          chan struct{}

	wg sync.WaitGroup
}

type serverConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	bound   bool
}

// Start listens on 127.0.0.1:0 and closes the server when the test ends.
func Start(tb testing.TB) *Server {
	tb.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("smsctest listen: %v", err)
	}
	s := &Server{
		ln:            ln,
		conns:         make(map[*serverConn]struct{}),
		answerEnquire: true,
		notify:        make(chan struct{}, 1),
	}
	s.wg.Add(1)
	go s.accept()
	tb.Cleanup(s.Close)
	return s
}

// Addr is the listener address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// SetBindStatus makes subsequent binds answer with status.
func (s *Server) SetBindStatus(status uint32) {
	s.mu.Lock()
	s.bindStatus = status
	s.mu.Unlock()
}

// SetSubmitStatus decides the submit_sm_resp status per submission.
func (s *Server) SetSubmitStatus(fn func(Submission) uint32) {
	s.mu.Lock()
	s.submitStatus = fn
	s.mu.Unlock()
}

// SetAutoReceipt sends a receipt with state right after every accepted submit.
// An empty state disables it.
func (s *Server) SetAutoReceipt(state string) {
	s.mu.Lock()
	s.autoReceipt = state
	s.mu.Unlock()
}

// SetAnswerEnquireLink toggles enquire_link responses.
func (s *Server) SetAnswerEnquireLink(answer bool) {
	s.mu.Lock()
	s.answerEnquire = answer
	s.mu.Unlock()
}

// SetHoldSubmitResponses records submits without ever answering them.
func (s *Server) SetHoldSubmitResponses(hold bool) {
	s.mu.Lock()
	s.holdSubmitResps = hold
	s.mu.Unlock()
}

// Binds returns the number of bind requests seen.
func (s *Server) Binds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binds
}

// Submissions returns a copy of every submit seen so far, in arrival order.
func (s *Server) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Submission(nil), s.submissions...)
}

// WaitSubmissions blocks until at least n submits arrived.
func (s *Server) WaitSubmissions(n int, timeout time.Duration) ([]Submission, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if subs := s.Submissions(); len(subs) >= n {
			return subs, nil
		}
		select {
		case <-s.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline.C:
			return s.Submissions(), fmt.Errorf("smsctest: saw %d submissions, want %d", len(s.Submissions()), n)
		}
	}
}

// SendReceipt delivers a receipt for providerID on every bound connection.
func (s *Server) SendReceipt(providerID, state string) error {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		if c.bound {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()
	if len(conns) == 0 {
		return fmt.Errorf("smsctest: no bound connection")
	}

	now := time.Now().Format("0601021504")
	text := pdu.FormatReceipt(pdu.Receipt{MessageID: providerID, State: state, Submitted: now, Done: now})
	body, err := pdu.ShortMessage{ESMClass: pdu.ESMClassDeliveryReceipt, Payload: []byte(text)}.Marshal()
	if err != nil {
		return err
	}
	for _, c := range conns {
		if err := c.write(pdu.New(pdu.DeliverSM, s.nextSeq(), body)); err != nil {
			return err
		}
	}
	return nil
}

// DropConnections closes every client connection without unbinding.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
}

// Close stops the listener and all connections.
func (s *Server) Close() {
	_ = s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) nextSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		c := &serverConn{conn: conn}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *Server) serve(c *serverConn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.conn.Close()
	}()

	r := bufio.NewReader(c.conn)
	for {
		p, err := pdu.Read(r)
		if err != nil {
			return
		}
		switch p.Header.Command {
		case pdu.BindTransceiver:
			s.mu.Lock()
			s.binds++
			status := s.bindStatus
			if status == pdu.StatusOK {
				c.bound = true
			}
			s.mu.Unlock()
			_ = c.write(pdu.NewResponse(p.Header, status, pdu.MessageIDBody("smsctest")))
		case pdu.EnquireLink:
			s.mu.Lock()
			answer := s.answerEnquire
			s.mu.Unlock()
			if answer {
				_ = c.write(pdu.NewResponse(p.Header, pdu.StatusOK, nil))
			}
		case pdu.SubmitSM:
			s.handleSubmit(c, p)
		case pdu.Unbind:
			_ = c.write(pdu.NewResponse(p.Header, pdu.StatusOK, nil))
			return
		case pdu.DeliverSMResp, pdu.EnquireLinkResp, pdu.GenericNack:
		default:
			_ = c.write(pdu.Packet{Header: pdu.Header{Command: pdu.GenericNack, Status: pdu.StatusInvalidCmdID, Sequence: p.Header.Sequence}})
		}
	}
}

func (s *Server) handleSubmit(c *serverConn, p pdu.Packet) {
	sm, err := pdu.UnmarshalShortMessage(p.Body)
	if err != nil {
		_ = c.write(pdu.NewResponse(p.Header, pdu.StatusInvalidMsgLen, nil))
		return
	}
	text, _ := pdu.DecodeText(sm.Payload, sm.DataCoding)
	sub := Submission{
		Source:      sm.SourceAddr,
		Destination: sm.DestinationAddr,
		Text:        text,
		DataCoding:  sm.DataCoding,
		ReceivedAt:  time.Now(),
	}

	s.mu.Lock()
	if s.submitStatus != nil {
		sub.Status = s.submitStatus(sub)
	}
	if sub.Status == pdu.StatusOK {
		s.nextID++
		sub.ProviderID = fmt.Sprintf("smsc-%06d", s.nextID)
	}
	s.submissions = append(s.submissions, sub)
	hold := s.holdSubmitResps
	receipt := s.autoReceipt
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	if hold {
		return
	}
	var body []byte
	if sub.Status == pdu.StatusOK {
		body = pdu.MessageIDBody(sub.ProviderID)
	}
	_ = c.write(pdu.NewResponse(p.Header, sub.Status, body))
	if sub.Status == pdu.StatusOK && receipt != "" {
		_ = s.SendReceipt(sub.ProviderID, receipt)
	}
}

func (c *serverConn) write(p pdu.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return pdu.Write(c.conn, p)
}
