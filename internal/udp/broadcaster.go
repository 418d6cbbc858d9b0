package udp

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)
type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

// Broadcaster sends datagrams to one destination (unicast or a broadcast
// address such as 192.168.10.255:10110).
type Broadcaster struct {
	dest string
	conn   udpConn
	sent   uint64
	failed uint64
}

func NewBroadcaster(dest string) (*Broadcaster, error) {
	return newBroadcaster(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
}

func newBroadcaster(dest string, resolve resolveFunc, dial dialFunc) (*Broadcaster, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}
	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &Broadcaster{dest: dest, conn: conn}, nil
}

func (b *Broadcaster) Dest() string {
	return b.dest
}

// Sent is the number of datagrams written successfully.
func (b *Broadcaster) Sent() uint64 {
	return atomic.LoadUint64(&b.sent)
}

// Failed is the number of sends Run saw fail.
func (b *Broadcaster) Failed() uint64 {
	return atomic.LoadUint64(&b.failed)
}

func (b *Broadcaster) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if _, err := b.conn.Write(payload); err != nil {
		return err
	}
	atomic.AddUint64(&b.sent, 1)
	return nil
}

// Run calls next every interval and sends whatever it returns. A nil payload
// skips the tick. Send errors (e.g. ECONNREFUSED while no receiver is up) are
// logged once per failure streak and the loop keeps ticking. Run returns when
// ctx is done.
func (b *Broadcaster) Run(ctx context.Context, interval time.Duration, next func() []byte) error {
	if interval <= 0 {
		return fmt.Errorf("udp: interval must be > 0")
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	failing := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			err := b.Send(next())
			if err != nil {
				atomic.AddUint64(&b.failed, 1)
				if !failing {
					log.Printf("udp send to %s failed: %v", b.dest, err)
					failing = true
				}
				continue
			}
			if failing {
				log.Printf("udp send to %s recovered", b.dest)
				failing = false
			}
		}
	}
}

func (b *Broadcaster) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
