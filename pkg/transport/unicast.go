package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// UcastTransport implements the unicast fan-out transport mode of §4.2:
// per-peer unicast sockets driven by an operator-supplied member list,
// used when IP multicast isn't available on the underlying network.
type UcastTransport struct {
	cfg Config
	log *logrus.Entry

	mu          sync.RWMutex
	conn        *net.UDPConn
	members     []net.IP
	active      map[string]bool
	tokenTarget net.IP
	ifaceUp     bool
	retries     int

	loop    *localLoop
	deliver DeliverFunc
	stats   Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUcastTransport binds a single unicast socket used for every peer
// send and starts the receive loop.
func NewUcastTransport(cfg Config, log *logrus.Entry) (*UcastTransport, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	active := make(map[string]bool, len(cfg.Members))
	for _, m := range cfg.Members {
		active[m.String()] = true
	}
	t := &UcastTransport{
		cfg:     cfg,
		log:     log.WithField("transport", "ucast"),
		members: cfg.Members,
		active:  active,
		loop:    newLocalLoop(),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	if err := t.buildSocket(); err != nil {
		t.log.WithError(err).Warn("initial socket build failed, starting in loopback mode")
	}
	t.wg.Add(1)
	go t.loopbackPump()

	return t, nil
}

func (t *UcastTransport) buildSocket() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, err := net.ListenUDP("udp", t.cfg.addr(t.cfg.BindAddr))
	if err != nil {
		return fmt.Errorf("transport: ucast bind: %w", err)
	}
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.ifaceUp = true
	t.retries = 0

	t.wg.Add(1)
	go t.recvPump(conn)
	return nil
}

func (t *UcastTransport) recvPump(conn *net.UDPConn) {
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

func (t *UcastTransport) loopbackPump() {
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

func (t *UcastTransport) SetDeliverFunc(fn DeliverFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deliver = fn
}

func (t *UcastTransport) LocalAddr() net.IP { return t.cfg.BindAddr }

func (t *UcastTransport) TokenTargetSet(target net.IP) error {
	t.mu.Lock()
	t.tokenTarget = target
	t.mu.Unlock()
	return nil
}

func (t *UcastTransport) TokenSend(target net.IP, msg []byte) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		t.bumpFailure()
		return fmt.Errorf("transport: ucast socket not bound")
	}
	if _, err := conn.WriteToUDP(msg, t.cfg.addr(target)); err != nil {
		t.bumpFailure()
		return fmt.Errorf("transport: token_send: %w", err)
	}
	t.clearFailure()
	return nil
}

// McastNoFlushSend fans the message out to every member currently
// flagged active, skipping peers known to be inactive (§4.2:
// "best-effort ... ignored by inactive peers when such knowledge
// exists").
func (t *UcastTransport) McastNoFlushSend(msg []byte) error {
	return t.fanOut(msg, true)
}

// McastFlushSend fans the message out to every configured member
// regardless of its active flag (§4.2: used by recovery).
func (t *UcastTransport) McastFlushSend(msg []byte) error {
	return t.fanOut(msg, false)
}

func (t *UcastTransport) fanOut(msg []byte, skipInactive bool) error {
	t.mu.RLock()
	conn := t.conn
	members := append([]net.IP(nil), t.members...)
	active := make(map[string]bool, len(t.active))
	for k, v := range t.active {
		active[k] = v
	}
	t.mu.RUnlock()

	t.loop.deliver(msg)

	if conn == nil {
		t.bumpFailure()
		return fmt.Errorf("transport: ucast socket not bound")
	}

	var firstErr error
	for _, peer := range members {
		if skipInactive && !active[peer.String()] {
			continue
		}
		if _, err := conn.WriteToUDP(msg, t.cfg.addr(peer)); err != nil {
			t.bumpFailure()
			if firstErr == nil {
				firstErr = fmt.Errorf("transport: send to %s: %w", peer, err)
			}
			continue
		}
		t.clearFailure()
	}
	return firstErr
}

// SetPeerActive marks a member active or inactive for McastNoFlushSend
// purposes; driven by the SRP layer's view of ring membership.
func (t *UcastTransport) SetPeerActive(peer net.IP, active bool) {
	t.mu.Lock()
	t.active[peer.String()] = active
	t.mu.Unlock()
}

func (t *UcastTransport) IfaceCheck() error {
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
	if err := t.buildSocket(); err != nil {
		t.mu.Lock()
		t.retries++
		t.mu.Unlock()
		return err
	}
	return nil
}

func (t *UcastTransport) bumpFailure() {
	atomic.AddUint64(&t.stats.SendFailures, 1)
	atomic.AddUint64(&t.stats.ConsecutiveSendFailures, 1)
}

func (t *UcastTransport) clearFailure() {
	atomic.StoreUint64(&t.stats.ConsecutiveSendFailures, 0)
}

func (t *UcastTransport) Stats() Stats {
	return Stats{
		SendFailures:            atomic.LoadUint64(&t.stats.SendFailures),
		ConsecutiveSendFailures: atomic.LoadUint64(&t.stats.ConsecutiveSendFailures),
		RecvPackets:             atomic.LoadUint64(&t.stats.RecvPackets),
	}
}

func (t *UcastTransport) Close() error {
	t.cancel()
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.mu.Unlock()
	t.loop.close()
	t.wg.Wait()
	return nil
}
