package session

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/tune23wb/sms-panel/internal/smpp/pdu"
)

// link is one TCP connection. Writes serialise on writeMu; responses are
// routed to waiters by sequence number.
type link struct {
	conn         net.Conn
	reader       *bufio.Reader
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	seq     uint32
	pending map[uint32]chan pdu.Packet
	closed  bool
	cause   error
	done    chan struct{}
}

func newLink(conn net.Conn, writeTimeout time.Duration) *link {
	return &link{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		writeTimeout: writeTimeout,
		pending:      make(map[uint32]chan pdu.Packet),
		done:         make(chan struct{}),
	}
}

func (l *link) nextSeqLocked() uint32 {
	l.seq++
	if l.seq > 0x7FFFFFFF {
		l.seq = 1
	}
	return l.seq
}

// send writes a request and returns the channel its response arrives on.
// A write error closes the link; nothing is considered transmitted.
func (l *link) send(cmd pdu.CommandID, body []byte) (uint32, <-chan pdu.Packet, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, nil, errLinkClosed
	}
	seq := l.nextSeqLocked()
	ch := make(chan pdu.Packet, 1)
	l.pending[seq] = ch
	l.mu.Unlock()

	if err := l.write(pdu.New(cmd, seq, body)); err != nil {
		l.forget(seq)
		l.close(err)
		return 0, nil, err
	}
	return seq, ch, nil
}

func (l *link) write(p pdu.Packet) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.writeTimeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout))
	}
	return pdu.Write(l.conn, p)
}

// request sends cmd and waits for its response.
func (l *link) request(ctx context.Context, cmd pdu.CommandID, body []byte, timeout time.Duration) (pdu.Packet, error) {
	seq, ch, err := l.send(cmd, body)
	if err != nil {
		return pdu.Packet{}, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-ch:
		return p, nil
	case <-timer.C:
		l.forget(seq)
		return pdu.Packet{}, errResponseTimeout
	case <-l.done:
		return pdu.Packet{}, errLinkClosed
	case <-ctx.Done():
		l.forget(seq)
		return pdu.Packet{}, ctx.Err()
	}
}

func (l *link) resolve(p pdu.Packet) bool {
	l.mu.Lock()
	ch, ok := l.pending[p.Header.Sequence]
	delete(l.pending, p.Header.Sequence)
	l.mu.Unlock()
	if ok {
		ch <- p
	}
	return ok
}

func (l *link) forget(seq uint32) {
	l.mu.Lock()
	delete(l.pending, seq)
	l.mu.Unlock()
}

// close releases the socket once. Waiters observe done.
func (l *link) close(cause error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.cause = cause
	l.pending = make(map[uint32]chan pdu.Packet)
	l.mu.Unlock()
	close(l.done)
	_ = l.conn.Close()
}

func (l *link) err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cause == nil {
		return errLinkClosed
	}
	return l.cause
}
