package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// McastTransport implements the multicast transport mode of §4.2: one
// multicast recv socket, one multicast send socket, one unicast socket
// used solely to send the token to its current successor.
type McastTransport struct {
	cfg Config
	log *logrus.Entry

	mu          sync.RWMutex
	recvConn    *net.UDPConn
	sendConn    *net.UDPConn
	tokenConn   *net.UDPConn
	tokenTarget net.IP
	ifaceUp     bool

	loop *localLoop

	deliver DeliverFunc

	stats       Stats
	retryDelay  time.Duration
	retries     int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMcastTransport binds the multicast sockets described by cfg and
// starts the receive loop. If the interface is down at construction
// time, the transport falls back to loopback-only operation and relies
// on IfaceCheck to rebuild sockets once the interface returns (§4.2).
func NewMcastTransport(cfg Config, log *logrus.Entry) (*McastTransport, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	t := &McastTransport{
		cfg:        cfg,
		log:        log.WithField("transport", "mcast"),
		loop:       newLocalLoop(),
		retryDelay: bindRetryMinBackoff,
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	if err := t.buildSockets(); err != nil {
		t.log.WithError(err).Warn("initial socket build failed, starting in loopback mode")
	}

	t.wg.Add(1)
	go t.loopbackPump()

	return t, nil
}

func (t *McastTransport) buildSockets() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	recvConn, err := net.ListenMulticastUDP("udp", nil, t.cfg.addr(t.cfg.McastAddr))
	if err != nil {
		return fmt.Errorf("transport: mcast recv bind: %w", err)
	}
	sendConn, err := net.ListenUDP("udp", t.cfg.addr(t.cfg.BindAddr))
	if err != nil {
		recvConn.Close()
		return fmt.Errorf("transport: mcast send bind: %w", err)
	}
	tokenConn, err := net.ListenUDP("udp", t.cfg.addr(t.cfg.BindAddr))
	if err != nil {
		recvConn.Close()
		sendConn.Close()
		return fmt.Errorf("transport: token socket bind: %w", err)
	}

	if t.recvConn != nil {
		t.recvConn.Close()
	}
	if t.sendConn != nil {
		t.sendConn.Close()
	}
	if t.tokenConn != nil {
		t.tokenConn.Close()
	}

	t.recvConn = recvConn
	t.sendConn = sendConn
	t.tokenConn = tokenConn
	t.ifaceUp = true
	t.retries = 0
	t.retryDelay = bindRetryMinBackoff

	t.wg.Add(1)
	go t.recvPump(recvConn)

	return nil
}

func (t *McastTransport) recvPump(conn *net.UDPConn) {
	defer t.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		atomic.AddUint64(&t.stats.RecvPackets, 1)
		t.mu.RLock()
		fn := t.deliver
		t.mu.RUnlock()
		if fn != nil {
			msg := make([]byte, n)
			copy(msg, buf[:n])
			fn(addr.IP, msg)
		}
	}
}

func (t *McastTransport) loopbackPump() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case msg, ok := <-t.loop.recvChan():
			if !ok {
				return
			}
			t.mu.RLock()
			fn := t.deliver
			t.mu.RUnlock()
			if fn != nil {
				fn(t.cfg.BindAddr, msg)
			}
		}
	}
}

func (t *McastTransport) SetDeliverFunc(fn DeliverFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deliver = fn
}

func (t *McastTransport) LocalAddr() net.IP { return t.cfg.BindAddr }

func (t *McastTransport) TokenTargetSet(target net.IP) error {
	t.mu.Lock()
	t.tokenTarget = target
	t.mu.Unlock()
	return nil
}

func (t *McastTransport) TokenSend(target net.IP, msg []byte) error {
	t.mu.RLock()
	conn := t.tokenConn
	t.mu.RUnlock()
	if conn == nil {
		t.bumpFailure()
		return fmt.Errorf("transport: token socket not bound")
	}
	_, err := conn.WriteToUDP(msg, t.cfg.addr(target))
	if err != nil {
		t.bumpFailure()
		return fmt.Errorf("transport: token_send: %w", err)
	}
	t.clearFailure()
	return nil
}

func (t *McastTransport) mcastSend(msg []byte) error {
	t.mu.RLock()
	conn := t.sendConn
	self := t.cfg.BindAddr
	t.mu.RUnlock()

	t.loop.deliver(msg)

	if conn == nil {
		t.bumpFailure()
		return fmt.Errorf("transport: mcast socket not bound")
	}
	_, err := conn.WriteToUDP(msg, t.cfg.addr(t.cfg.McastAddr))
	if err != nil {
		t.bumpFailure()
		return fmt.Errorf("transport: mcast send: %w", err)
	}
	t.clearFailure()
	_ = self
	return nil
}

// McastNoFlushSend and McastFlushSend collapse to the same socket send
// for the multicast transport: kernel multicast fan-out makes the
// "ignore inactive peers" distinction meaningless here, it only matters
// for the unicast fan-out transport (§4.2).
func (t *McastTransport) McastNoFlushSend(msg []byte) error { return t.mcastSend(msg) }
func (t *McastTransport) McastFlushSend(msg []byte) error   { return t.mcastSend(msg) }

func (t *McastTransport) IfaceCheck() error {
	t.mu.RLock()
	up := t.ifaceUp
	retries := t.retries
	t.mu.RUnlock()
	if up {
		return nil
	}
	if retries >= maxBindRetries {
		return fmt.Errorf("transport: permanent bind failure after %d retries", retries)
	}
	err := t.buildSockets()
	if err != nil {
		t.mu.Lock()
		t.retries++
		if t.retryDelay < bindRetryMaxBackoff {
			t.retryDelay *= 2
		}
		t.mu.Unlock()
		return err
	}
	return nil
}

func (t *McastTransport) bumpFailure() {
	atomic.AddUint64(&t.stats.SendFailures, 1)
	atomic.AddUint64(&t.stats.ConsecutiveSendFailures, 1)
}

func (t *McastTransport) clearFailure() {
	atomic.StoreUint64(&t.stats.ConsecutiveSendFailures, 0)
}

func (t *McastTransport) Stats() Stats {
	return Stats{
		SendFailures:            atomic.LoadUint64(&t.stats.SendFailures),
		ConsecutiveSendFailures: atomic.LoadUint64(&t.stats.ConsecutiveSendFailures),
		RecvPackets:             atomic.LoadUint64(&t.stats.RecvPackets),
	}
}

func (t *McastTransport) Close() error {
	t.cancel()
	t.mu.Lock()
	if t.recvConn != nil {
		t.recvConn.Close()
	}
	if t.sendConn != nil {
		t.sendConn.Close()
	}
	if t.tokenConn != nil {
		t.tokenConn.Close()
	}
	t.mu.Unlock()
	t.loop.close()
	t.wg.Wait()
	return nil
}
