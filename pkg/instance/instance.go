// Package instance wires every other package into the one root object a
// running node actually constructs: transport, crypto framing, the SRP
// ring, the packed-message layer, the sync barrier, downlist
// reconciliation, CPG, the quorum feed, confdb-lite, and the client IPC
// surface. It plays the role the teacher's pkg/agent.Agent plays for
// beenet — the object cmd/totemd starts and cmd/totemctl talks to
// through its IPC server — generalized from one peer-to-peer swarm
// agent to this module's layered ring-protocol stack.
package instance

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/coro-totem/totemcore/internal/dispatch"
	"github.com/coro-totem/totemcore/pkg/confdb"
	"github.com/coro-totem/totemcore/pkg/config"
	"github.com/coro-totem/totemcore/pkg/constants"
	"github.com/coro-totem/totemcore/pkg/cpg"
	"github.com/coro-totem/totemcore/pkg/cryptoframe"
	"github.com/coro-totem/totemcore/pkg/downlist"
	"github.com/coro-totem/totemcore/pkg/ipc"
	"github.com/coro-totem/totemcore/pkg/nodeid"
	"github.com/coro-totem/totemcore/pkg/pg"
	"github.com/coro-totem/totemcore/pkg/quorum"
	"github.com/coro-totem/totemcore/pkg/srp"
	"github.com/coro-totem/totemcore/pkg/syncbarrier"
	"github.com/coro-totem/totemcore/pkg/totemerr"
	"github.com/coro-totem/totemcore/pkg/transport"
	"github.com/coro-totem/totemcore/pkg/wire"
)

// Instance is one node's complete Totem stack.
type Instance struct {
	localID nodeid.ID
	log     *logrus.Entry

	transport  transport.Transport
	cipherKind cryptoframe.CipherKind
	hashKind   cryptoframe.HashKind
	keys       *cryptoframe.SessionKeys

	addrMu   sync.RWMutex
	addrBook map[nodeid.ID]net.IP

	srp            *srp.Instance
	reassembler    *pg.Reassembler
	dispatchTable  *dispatch.Table
	syncRegistry   *syncbarrier.Registry
	syncBarrier    *syncbarrier.Barrier
	downlistRecon  *downlist.Reconciler
	cpgSvc         *cpg.Service
	quorumSvc      *quorum.Service
	confdbDB       *confdb.DB
	ipcServer      *ipc.Server

	membersMu       sync.Mutex
	previousMembers nodeid.Set

	// fragMu/openFrag track, per originator, the FragmentKey a PG
	// continuation frame belongs to — the frame itself carries no such
	// reference, so the opening fragment's MSN must be remembered
	// between deliveries (§4.5).
	fragMu   sync.Mutex
	openFrag map[nodeid.ID]pg.FragmentKey
}

// New builds a complete, unstarted Instance from a parsed cluster config.
func New(cfg *config.Config, log *logrus.Entry) (*Instance, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	localID := nodeid.ID(cfg.LocalID)

	cipherKind, err := cryptoframe.ParseCipherKind(cfg.Crypto.Cipher)
	if err != nil {
		return nil, err
	}
	hashKind, err := cryptoframe.ParseHashKind(cfg.Crypto.Hash)
	if err != nil {
		return nil, err
	}
	secret, err := cfg.SharedSecret()
	if err != nil {
		return nil, err
	}
	keys, err := cryptoframe.DeriveSessionKeys(secret, cipherKind, hashKind)
	if err != nil {
		return nil, fmt.Errorf("instance: derive session keys: %w", err)
	}

	bindAddr := net.ParseIP(cfg.BindAddr)
	if bindAddr == nil {
		return nil, fmt.Errorf("instance: bind_addr %q does not parse as an IP", cfg.BindAddr)
	}

	addrBook := make(map[nodeid.ID]net.IP, len(cfg.Nodes)+1)
	members := make([]nodeid.ID, 0, len(cfg.Nodes))
	peerIPs := make([]net.IP, 0, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		ip := net.ParseIP(n.Addr)
		if ip == nil {
			return nil, fmt.Errorf("instance: node %d addr %q does not parse as an IP", n.ID, n.Addr)
		}
		id := nodeid.ID(n.ID)
		addrBook[id] = ip
		if id != localID {
			members = append(members, id)
			peerIPs = append(peerIPs, ip)
		}
	}
	addrBook[localID] = bindAddr

	var tp transport.Transport
	transportCfg := transport.Config{
		BindAddr: bindAddr,
		Port:     cfg.Port,
		Members:  peerIPs,
		MTU:      constants.MaxFrameSize,
	}
	switch cfg.Mode {
	case "mcast":
		transportCfg.McastAddr = net.ParseIP(cfg.McastAddr)
		if transportCfg.McastAddr == nil {
			return nil, fmt.Errorf("instance: mcast_addr %q does not parse as an IP", cfg.McastAddr)
		}
		tp, err = transport.NewMcastTransport(transportCfg, log)
	case "ucast":
		tp, err = transport.NewUcastTransport(transportCfg, log)
	default:
		return nil, fmt.Errorf("instance: unknown transport mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("instance: build transport: %w", err)
	}

	inst := &Instance{
		localID:     localID,
		log:         log,
		transport:   tp,
		cipherKind:  cipherKind,
		hashKind:    hashKind,
		keys:        keys,
		addrBook:    addrBook,
		reassembler: pg.NewReassembler(),
		openFrag:    make(map[nodeid.ID]pg.FragmentKey),
	}

	inst.ipcServer = ipc.NewServer(localID, log.WithField("component", "ipc"))

	inst.cpgSvc = cpg.NewService(localID, &cpgSender{inst: inst}, inst.ipcServer.CPGDeliver, inst.ipcServer.CPGConfChg)
	inst.cpgSvc.SetInitialMembershipFunc(inst.ipcServer.CPGInitialMembership)

	inst.quorumSvc = quorum.NewService(cfg.QuorumDenominator(), inst.ipcServer.QuorumNotify)
	inst.confdbDB = confdb.New()

	inst.ipcServer.SetCPG(inst.cpgSvc)
	inst.ipcServer.SetQuorum(inst.quorumSvc)
	inst.ipcServer.SetConfdb(inst.confdbDB)

	inst.downlistRecon = downlist.NewReconciler(localID, &downlistSender{inst: inst}, inst.cpgSvc.ApplyDownlistResolution)

	inst.syncRegistry = syncbarrier.NewRegistry()
	inst.syncRegistry.Register(inst.downlistRecon)
	inst.syncRegistry.Register(inst.cpgSvc)
	inst.syncRegistry.Register(inst.quorumSvc)
	inst.syncBarrier = syncbarrier.NewBarrier(inst.syncRegistry, log.WithField("component", "syncbarrier"))

	inst.dispatchTable = dispatch.NewTable()
	inst.dispatchTable.Register(dispatch.ServiceCPG, inst.cpgSvc)

	srpInstance, err := srp.New(srp.Config{
		LocalID:             localID,
		InitialMembers:      members,
		Sender:              &wireSender{inst: inst},
		Deliver:             inst.onDeliver,
		ConfChg:             inst.onConfChg,
		Window:              cfg.Timers.Window(constants.FlowControlWindow),
		SyncBarrier:         inst.onSyncBarrier,
		TokenTimeout:        cfg.Timers.TokenTimeout(constants.TokenTimeout),
		JoinBroadcastPeriod: cfg.Timers.JoinBroadcastPeriod(constants.JoinBroadcastPeriod),
		MergeDetectPeriod:   cfg.Timers.MergeDetectPeriod(constants.MergeDetectPeriod),
		CommitTokenTimeout:  cfg.Timers.CommitTokenTimeout(constants.CommitTokenTimeout),
		ConsensusTimeout:    cfg.Timers.ConsensusTimeout(constants.ConsensusTimeout),
		Log:                 log.WithField("component", "srp"),
	})
	if err != nil {
		return nil, fmt.Errorf("instance: build srp instance: %w", err)
	}
	inst.srp = srpInstance

	tp.SetDeliverFunc(inst.onDatagram)

	return inst, nil
}

// Start begins the SRP timer loop and the initial JOIN broadcast.
func (inst *Instance) Start(ctx context.Context) error {
	return inst.srp.Start(ctx)
}

// Stop tears the instance down: the SRP loop first, then the transport.
func (inst *Instance) Stop() error {
	if err := inst.srp.Stop(); err != nil {
		return err
	}
	return inst.transport.Close()
}

// CPG, Quorum, Confdb, and IPC expose the subsystems cmd/totemd and
// cmd/totemctl need direct handles to.
func (inst *Instance) CPG() *cpg.Service    { return inst.cpgSvc }
func (inst *Instance) Quorum() *quorum.Service { return inst.quorumSvc }
func (inst *Instance) Confdb() *confdb.DB   { return inst.confdbDB }
func (inst *Instance) IPC() *ipc.Server     { return inst.ipcServer }

// Mcast queues a payload for ordered delivery via the SRP ring, used
// directly by tests and administrative tooling; client traffic normally
// arrives through pkg/cpg instead.
func (inst *Instance) Mcast(payload []byte) error {
	return inst.srp.Mcast(payload)
}

func (inst *Instance) setPreviousMembers(members nodeid.Set) {
	inst.membersMu.Lock()
	inst.previousMembers = members
	inst.membersMu.Unlock()
}

func (inst *Instance) priorMembers() nodeid.Set {
	inst.membersMu.Lock()
	defer inst.membersMu.Unlock()
	return inst.previousMembers
}

// onSyncBarrier is wired as srp.Config.SyncBarrier: it seeds the downlist
// reconciler with the ring being replaced, then drives every registered
// service's sync_init/sync_process/sync_activate pass (§4.6, §4.7).
func (inst *Instance) onSyncBarrier(ring nodeid.RingID, members nodeid.Set) error {
	inst.downlistRecon.NotePriorMembers(inst.priorMembers())
	inst.reassembler.SetCurrentRing(ring)
	err := inst.syncBarrier.Run(context.Background(), ring, members)
	inst.setPreviousMembers(members)
	return err
}

// onConfChg is wired as srp.Config.ConfChg: it feeds the quorum tracker
// the fresh membership (§4.9); CPG's own confchg stream is instead driven
// by the downlist-resolved PROCLEAVE-equivalent pass and JOINLIST/
// PROCJOIN traffic, per §4.7/§4.8.
func (inst *Instance) onConfChg(ring nodeid.RingID, members, left, joined nodeid.Set) {
	inst.log.WithFields(logrus.Fields{
		"ring":    ring.String(),
		"members": members.Len(),
		"left":    left.Len(),
		"joined":  joined.Len(),
	}).Info("membership changed")
	inst.quorumSvc.OnConfChg(members)
}

// onDeliver is wired as srp.Config.Deliver: payload is one ring-ordered
// frame (§4.5), either a complete PG-packed frame or one fragment of a
// message too large for a single frame. A complete frame's sub-messages
// each carry the internal/dispatch envelope naming which service they
// belong to.
func (inst *Instance) onDeliver(originator nodeid.ID, msn uint32, payload []byte) {
	fragmented, continuation, rest, err := pg.FrameKind(payload)
	if err != nil {
		inst.log.WithError(err).WithField("originator", originator.String()).Warn("pg: malformed frame header, dropping")
		return
	}

	packed := payload
	switch {
	case fragmented:
		key := pg.FragmentKey{Ring: inst.srp.Ring(), Originator: originator, FirstMSN: msn}
		if err := inst.reassembler.StartFragment(key, rest); err != nil {
			inst.log.WithError(err).WithField("originator", originator.String()).Warn("pg: start fragment failed, dropping")
			return
		}
		inst.setOpenFragment(originator, key)
		return
	case continuation:
		key, ok := inst.openFragment(originator)
		if !ok {
			inst.log.WithField("originator", originator.String()).Warn("pg: continuation with no open fragment, dropping")
			return
		}
		full, done, err := inst.reassembler.Continue(key, rest)
		if err != nil {
			inst.log.WithError(err).WithField("originator", originator.String()).Warn("pg: continue fragment failed, dropping")
			inst.clearOpenFragment(originator)
			return
		}
		if !done {
			return
		}
		inst.clearOpenFragment(originator)
		packed = full
	}

	messages, err := pg.Unpack(packed)
	if err != nil {
		inst.log.WithError(err).WithField("originator", originator.String()).Warn("pg unpack failed, dropping delivered frame")
		return
	}
	for _, m := range messages {
		service, kind, body, err := dispatch.DecodeEnvelope(m)
		if err != nil {
			inst.log.WithError(err).Warn("malformed dispatch envelope, dropping sub-message")
			continue
		}
		if err := inst.dispatchTable.Dispatch(service, kind, body); err != nil {
			inst.log.WithError(err).WithFields(logrus.Fields{
				"service": service.String(),
				"kind":    kind,
			}).Warn("service dispatch failed")
		}
	}
}

func (inst *Instance) setOpenFragment(originator nodeid.ID, key pg.FragmentKey) {
	inst.fragMu.Lock()
	inst.openFrag[originator] = key
	inst.fragMu.Unlock()
}

func (inst *Instance) openFragment(originator nodeid.ID) (pg.FragmentKey, bool) {
	inst.fragMu.Lock()
	defer inst.fragMu.Unlock()
	key, ok := inst.openFrag[originator]
	return key, ok
}

func (inst *Instance) clearOpenFragment(originator nodeid.ID) {
	inst.fragMu.Lock()
	delete(inst.openFrag, originator)
	inst.fragMu.Unlock()
}

// onDatagram is registered as the transport's DeliverFunc: it
// authenticates and decrypts the crypto frame, decodes the SRP wire
// header, and routes the result either to the downlist reconciler
// directly (§4.7, which rides its own wire message type outside the
// PG-packed/ordered-delivery path) or into the SRP dispatch table for
// every other message type.
func (inst *Instance) onDatagram(_ net.IP, data []byte) {
	plaintext, err := cryptoframe.AuthenticateAndDecrypt(inst.keys, inst.cipherKind, inst.hashKind, data)
	if err != nil {
		inst.log.WithError(err).Debug("crypto frame rejected")
		inst.srp.NoteCryptoReject()
		return
	}
	inst.srp.NoteCryptoAccept()
	frame, err := wire.Decode(plaintext)
	if err != nil {
		inst.log.WithError(err).Debug("wire decode failed")
		return
	}
	switch body := frame.Body.(type) {
	case *wire.Downlist:
		inst.downlistRecon.HandleDownlist(body)
	case *wire.DownlistOld:
		inst.log.WithField("sender", frame.Header.Source).Warn("received legacy downlist format, ignoring")
	default:
		inst.srp.Dispatch(frame)
	}
}

// sendEncrypted crypto-frames plaintext for the transport; every Sender
// adapter below calls it before handing the result to the transport.
func (inst *Instance) sendEncrypted(plaintext []byte) ([]byte, error) {
	return cryptoframe.EncryptAndSign(inst.keys, inst.cipherKind, inst.hashKind, plaintext)
}

// wireSender implements srp.Sender over this instance's crypto framing
// and transport, the adapter pkg/srp's doc comment reserves for
// pkg/instance to provide.
type wireSender struct{ inst *Instance }

func (w *wireSender) TokenSend(target nodeid.ID, frame []byte) error {
	w.inst.addrMu.RLock()
	ip, ok := w.inst.addrBook[target]
	w.inst.addrMu.RUnlock()
	if !ok {
		return fmt.Errorf("instance: no known address for node %s", target)
	}
	enc, err := w.inst.sendEncrypted(frame)
	if err != nil {
		return err
	}
	return w.inst.transport.TokenSend(ip, enc)
}

func (w *wireSender) McastNoFlushSend(frame []byte) error {
	enc, err := w.inst.sendEncrypted(frame)
	if err != nil {
		return err
	}
	return w.inst.transport.McastNoFlushSend(enc)
}

func (w *wireSender) McastFlushSend(frame []byte) error {
	enc, err := w.inst.sendEncrypted(frame)
	if err != nil {
		return err
	}
	return w.inst.transport.McastFlushSend(enc)
}

// cpgSender implements cpg.Sender by wrapping a CPG exec message in the
// dispatch envelope, PG-packing it alone, and riding it through the
// ordinary ring-ordered Mcast path (§4.8 traffic is just another
// service's exec messages, per §9's dispatch design).
type cpgSender struct{ inst *Instance }

func (c *cpgSender) SendCPG(kind uint8, payload []byte) error {
	envelope := dispatch.EncodeEnvelope(dispatch.ServiceCPG, kind, payload)
	frames, err := pg.PackFragments([][]byte{envelope}, constants.MaxFrameSize)
	if err != nil {
		return totemerr.ErrTooBig(fmt.Sprintf("cpg message of %d bytes does not fit even fragmented: %v", len(payload), err))
	}
	for _, f := range frames {
		if err := c.inst.srp.Mcast(f); err != nil {
			return err
		}
	}
	return nil
}

// downlistSender implements downlist.Sender: unlike ordinary service
// traffic, a downlist message rides as its own wire message type,
// flush-sent directly over the transport rather than through the
// ring-ordered Mcast path, since it is sync-phase control traffic that
// must reach every member even if the new ring's ordering isn't settled
// yet (§4.7).
type downlistSender struct{ inst *Instance }

func (d *downlistSender) SendDownlist(dl *wire.Downlist) error {
	frame := wire.Encode(wire.Header{
		Version: 1,
		Type:    constants.MsgDownlist,
		Source:  uint32(d.inst.localID),
	}, dl)
	enc, err := d.inst.sendEncrypted(frame)
	if err != nil {
		return err
	}
	return d.inst.transport.McastFlushSend(enc)
}
