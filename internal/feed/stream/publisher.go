package stream

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/xtxerr/cistern/internal/errors"
	"github.com/xtxerr/cistern/internal/storage/types"
)

// Publisher is a producer connection to a Server.
type Publisher struct {
	mu     sync.Mutex
	conn   net.Conn
	w      *Conn
	closed bool
}

// Dial connects to addr. A non-empty token is sent as hello and must be
// acknowledged.
func Dial(ctx context.Context, addr, token string) (*Publisher, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", errors.ErrConnectionFailed, addr, err)
	}

	p := &Publisher{conn: conn, w: NewConn(conn, 0)}

	if token != "" {
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetDeadline(deadline)
		}
		if err := p.w.Write(NewHello(token)); err != nil {
			conn.Close()
			return nil, err
		}
		ack, err := p.w.Read()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("read ack: %w", err)
		}
		if !ack.GetFields()["ok"].GetBoolValue() {
			conn.Close()
			return nil, fmt.Errorf("hello rejected: %s", ack.GetFields()["error"].GetStringValue())
		}
		conn.SetDeadline(time.Time{})
	}

	return p, nil
}

// Publish sends one inserted row.
func (p *Publisher) Publish(topic string, row types.Row) error {
	f, err := NewInsert(topic, row)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.ErrClosed
	}
	return p.w.Write(f)
}

// Close closes the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.conn.Close()
}
