// Package transport implements the external Transport contract
// (spec.md §6): a byte-stream socket to a CAN gateway, consumed by the
// GridConnect codec above it. The core only depends on the Transport
// interface; TCPTransport is the concrete implementation grounded on
// the teacher's net.Conn read-loop idiom (src/kissnet.go).
package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/charmbracelet/log"

	"github.com/openlcb-go/lccnode/xlog"
)

// ErrConnectionBroken is the distinguished condition Receive signals
// when the underlying connection has been lost (spec.md §6/§7).
var ErrConnectionBroken = errors.New("transport: connection broken")

// Transport is the contract the core depends on: connect, send bytes,
// receive bytes, close. Implementations need not be safe for
// concurrent use from multiple goroutines simultaneously calling
// Send/Receive; the stack's single I/O task owns the transport.
type Transport interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// TCPTransport is a Transport backed by a plain TCP connection to a
// CAN-over-GridConnect gateway.
type TCPTransport struct {
	conn   net.Conn
	logger *log.Logger
	buf    []byte
}

// Dial connects to a CAN gateway at host:port. logger may be nil.
func Dial(host string, port int, logger *log.Logger) (*TCPTransport, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return &TCPTransport{
		conn:   conn,
		logger: xlog.OrDefault(logger),
		buf:    make([]byte, 4096),
	}, nil
}

// Send writes data to the gateway.
func (t *TCPTransport) Send(data []byte) error {
	_, err := t.conn.Write(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionBroken, err)
	}
	return nil
}

// Receive blocks for at least one chunk of bytes from the gateway.
func (t *TCPTransport) Receive() ([]byte, error) {
	n, err := t.conn.Read(t.buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionBroken, err)
	}
	out := make([]byte, n)
	copy(out, t.buf[:n])
	return out, nil
}

// Close tears down the connection.
func (t *TCPTransport) Close() error {
	return t.conn.Close()
}
