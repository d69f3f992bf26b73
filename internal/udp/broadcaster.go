// Package udp pushes teammate positions to local consumers (map apps, a
// watch bridge) as JSON datagrams.
package udp

import (
	"fmt"
	"net"
	"sync/atomic"
)

// datagramConn is the subset of *net.UDPConn the broadcaster writes through.
type datagramConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type dialer func(dest string) (datagramConn, error)

// Broadcaster writes whole datagrams to one connected UDP destination.
type Broadcaster struct {
	dest  string
	conn  datagramConn
	bytes atomic.Uint64
}

func NewBroadcaster(dest string) (*Broadcaster, error) {
	return dialBroadcaster(dest, dialUDP)
}

func dialUDP(dest string) (datagramConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dest, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", dest, err)
	}
	return conn, nil
}

func dialBroadcaster(dest string, dial dialer) (*Broadcaster, error) {
	if dest == "" {
		return nil, fmt.Errorf("udp dest is empty")
	}
	conn, err := dial(dest)
	if err != nil {
		return nil, err
	}
	return &Broadcaster{dest: dest, conn: conn}, nil
}

func (b *Broadcaster) Dest() string { return b.dest }

// BytesSent counts payload bytes accepted by the socket.
func (b *Broadcaster) BytesSent() uint64 { return b.bytes.Load() }

// Send writes payload as one datagram. Empty payloads are dropped.
func (b *Broadcaster) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	n, err := b.conn.Write(payload)
	b.bytes.Add(uint64(n))
	if err != nil {
		return fmt.Errorf("udp send %s: %w", b.dest, err)
	}
	return nil
}

func (b *Broadcaster) Close() error {
	if b == nil || b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
