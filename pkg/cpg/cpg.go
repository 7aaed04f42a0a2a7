// Package cpg implements the Closed Process Group service of §4.8: an
// ordered membership list per group, PROCJOIN/PROCLEAVE/JOINLIST/MCAST
// wire semantics, and the client-facing join/leave/mcast/
// membership_get/local_get/iterate/finalize operations.
package cpg

import (
	"fmt"
	"sync"

	"github.com/coro-totem/totemcore/pkg/constants"
	"github.com/coro-totem/totemcore/pkg/nodeid"
	"github.com/coro-totem/totemcore/pkg/totemerr"
)

// Record is one (node, pid) entry of a group's membership list, kept in
// insertion order (§4.8 "list of (node, pid) records in insertion order").
type Record struct {
	Node nodeid.ID
	Pid  uint32
}

// ClientID identifies one locally-connected client descriptor.
type ClientID uint64

// Sender multicasts a CPG protocol message tagged as ordinary totem
// traffic, the way Instance wires Mcast for every higher service.
type Sender interface {
	SendCPG(kind uint8, payload []byte) error
}

// DeliverFunc is invoked once per payload for each local client that is
// eligible to receive it (§4.8 "emit deliver callback ... to every local
// client joined to that group that is in JOIN_COMPLETED or LEAVE_STARTED
// state").
type DeliverFunc func(client ClientID, group string, source nodeid.ID, payload []byte)

// ConfChgFunc is invoked on every membership change for a group: a
// PROCJOIN/PROCLEAVE delivery, or the downlist-driven synchronized
// PROCLEAVE pass of §4.7.
type ConfChgFunc func(group string, joined, left []Record)

type groupState struct {
	records []Record
}

func (g *groupState) indexOf(r Record) int {
	for i, x := range g.records {
		if x == r {
			return i
		}
	}
	return -1
}

// clientDescriptor tracks one client's join state per group, plus the
// "deliver initial totem membership once" flag (§4.8).
type clientDescriptor struct {
	localID         nodeid.ID
	pid             uint32
	joins           map[string]constants.CPGClientState
	deliverInitial  map[string]bool
	initialDelivered map[string]bool
}

// Service is the root CPG object, one per node, registered as a
// syncbarrier.Service for its JOINLIST exchange.
type Service struct {
	localID nodeid.ID
	send    Sender
	deliver DeliverFunc
	confchg ConfChgFunc

	// initialMembership fires once per client, ahead of the first real
	// confchg, when that client joined with deliverInitial set (§4.8
	// "the first confchg after join is preceded by a synthetic
	// totem-membership event if requested").
	initialMembership func(client ClientID, group string)

	mu      sync.Mutex
	groups  map[string]*groupState
	clients map[ClientID]*clientDescriptor
	nextID  ClientID

	// joinlistSent/joinlistReceived track the sync-phase JOINLIST
	// exchange, mirroring downlist.Reconciler's shape.
	ring            nodeid.RingID
	members         nodeid.Set
	joinlistSent    bool
	joinlistPeers   map[nodeid.ID]bool

	mcastSeen *seenCache
}

func NewService(localID nodeid.ID, send Sender, deliver DeliverFunc, confchg ConfChgFunc) *Service {
	return &Service{
		localID:   localID,
		send:      send,
		deliver:   deliver,
		confchg:   confchg,
		groups:    make(map[string]*groupState),
		clients:   make(map[ClientID]*clientDescriptor),
		mcastSeen: newSeenCache(),
	}
}

// SetInitialMembershipFunc registers the synthetic totem-membership
// callback for clients that joined with deliverInitial set.
func (s *Service) SetInitialMembershipFunc(fn func(client ClientID, group string)) {
	s.mu.Lock()
	s.initialMembership = fn
	s.mu.Unlock()
}

func validGroupName(name string) bool {
	return len(name) >= 1 && len(name) <= constants.MaxGroupNameLength
}

// Connect registers a new client descriptor and returns its handle,
// mirroring the teacher's handle-allocation pattern in pkg/control.
func (s *Service) Connect(localID nodeid.ID, pid uint32) ClientID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.clients[id] = &clientDescriptor{
		localID:          localID,
		pid:              pid,
		joins:            make(map[string]constants.CPGClientState),
		deliverInitial:   make(map[string]bool),
		initialDelivered: make(map[string]bool),
	}
	return id
}

// Finalize disconnects a client: any group it held is left with a
// synthetic PROCLEAVE, and its descriptor is removed (§5 "Cancellation").
func (s *Service) Finalize(client ClientID) error {
	s.mu.Lock()
	cd, ok := s.clients[client]
	if !ok {
		s.mu.Unlock()
		return totemerr.ErrBadHandle()
	}
	groups := make([]string, 0, len(cd.joins))
	for g, state := range cd.joins {
		if state == constants.CPGJoinCompleted || state == constants.CPGJoinStarted {
			groups = append(groups, g)
		}
	}
	delete(s.clients, client)
	s.mu.Unlock()

	for _, g := range groups {
		_ = s.leaveLocked(client, cd, g, "client finalize")
	}
	return nil
}

// Join adds the client to a group, multicasting PROCJOIN so every node
// eventually appends the record. deliverInitial requests a synthetic
// totem-membership event ahead of the first real confchg (§4.8).
func (s *Service) Join(client ClientID, group string, deliverInitial bool) error {
	if !validGroupName(group) {
		return totemerr.ErrInvalidName(group)
	}
	s.mu.Lock()
	cd, ok := s.clients[client]
	if !ok {
		s.mu.Unlock()
		return totemerr.ErrBadHandle()
	}
	if st, joined := cd.joins[group]; joined && st != constants.CPGLeaveStarted {
		s.mu.Unlock()
		return totemerr.ErrAlreadyJoined(group)
	}
	cd.joins[group] = constants.CPGJoinStarted
	cd.deliverInitial[group] = deliverInitial
	record := Record{Node: cd.localID, Pid: cd.pid}
	s.mu.Unlock()

	return s.send.SendCPG(constants.CPGProcJoin, encodeProcEvent(group, record, 0))
}

// Leave removes the client from a group, multicasting PROCLEAVE.
func (s *Service) Leave(client ClientID, group string) error {
	s.mu.Lock()
	cd, ok := s.clients[client]
	if !ok {
		s.mu.Unlock()
		return totemerr.ErrBadHandle()
	}
	s.mu.Unlock()
	return s.leaveLocked(client, cd, group, "client leave")
}

func (s *Service) leaveLocked(client ClientID, cd *clientDescriptor, group, reason string) error {
	s.mu.Lock()
	st, joined := cd.joins[group]
	if !joined || st == constants.CPGUnjoined {
		s.mu.Unlock()
		return totemerr.ErrNotJoined(group)
	}
	cd.joins[group] = constants.CPGLeaveStarted
	record := Record{Node: cd.localID, Pid: cd.pid}
	s.mu.Unlock()

	return s.send.SendCPG(constants.CPGProcLeave, encodeProcEvent(group, record, 0))
}

// Mcast multicasts a payload to every current member of group. Only a
// client in JOIN_COMPLETED may originate an mcast (§4.8 client ops).
func (s *Service) Mcast(client ClientID, group string, payload []byte) error {
	s.mu.Lock()
	cd, ok := s.clients[client]
	if !ok {
		s.mu.Unlock()
		return totemerr.ErrBadHandle()
	}
	if cd.joins[group] != constants.CPGJoinCompleted {
		s.mu.Unlock()
		return totemerr.ErrNotJoined(group)
	}
	s.mu.Unlock()
	return s.send.SendCPG(constants.CPGMcast, encodeMcast(group, s.localID, payload))
}

// MembershipGet returns a group's current ordered (node,pid) list.
func (s *Service) MembershipGet(group string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		return nil
	}
	return append([]Record(nil), g.records...)
}

// LocalGet returns a client's own locally-hosted records across every
// group it is joined to, used at sync to seed JOINLIST (§4.8).
func (s *Service) LocalGet(client ClientID) map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	cd, ok := s.clients[client]
	if !ok {
		return nil
	}
	out := make(map[string]Record)
	for g, st := range cd.joins {
		if st == constants.CPGJoinCompleted || st == constants.CPGJoinStarted {
			out[g] = Record{Node: cd.localID, Pid: cd.pid}
		}
	}
	return out
}

// Iterate calls fn for every (group, record) pair currently tracked,
// used by confdb snapshotting and admin tooling.
func (s *Service) Iterate(fn func(group string, r Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for g, gs := range s.groups {
		for _, r := range gs.records {
			fn(g, r)
		}
	}
}

func encodeProcEvent(group string, r Record, reason uint32) []byte {
	buf := make([]byte, 0, len(group)+1+13)
	buf = append(buf, byte(len(group)))
	buf = append(buf, group...)
	buf = appendUint32(buf, uint32(r.Node))
	buf = appendUint32(buf, r.Pid)
	buf = appendUint32(buf, reason)
	return buf
}

func decodeProcEvent(data []byte) (group string, r Record, reason uint32, err error) {
	if len(data) < 1 {
		return "", Record{}, 0, fmt.Errorf("cpg: truncated proc event")
	}
	n := int(data[0])
	data = data[1:]
	if len(data) < n+12 {
		return "", Record{}, 0, fmt.Errorf("cpg: truncated proc event body")
	}
	group = string(data[:n])
	data = data[n:]
	node := takeUint32(data)
	pid := takeUint32(data[4:])
	rsn := takeUint32(data[8:])
	return group, Record{Node: nodeid.ID(node), Pid: pid}, rsn, nil
}

func encodeMcast(group string, source nodeid.ID, payload []byte) []byte {
	buf := make([]byte, 0, len(group)+1+4+len(payload))
	buf = append(buf, byte(len(group)))
	buf = append(buf, group...)
	buf = appendUint32(buf, uint32(source))
	buf = append(buf, payload...)
	return buf
}

func decodeMcast(data []byte) (group string, source nodeid.ID, payload []byte, err error) {
	if len(data) < 1 {
		return "", 0, nil, fmt.Errorf("cpg: truncated mcast")
	}
	n := int(data[0])
	data = data[1:]
	if len(data) < n+4 {
		return "", 0, nil, fmt.Errorf("cpg: truncated mcast body")
	}
	group = string(data[:n])
	data = data[n:]
	source = nodeid.ID(takeUint32(data))
	payload = append([]byte(nil), data[4:]...)
	return group, source, payload, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func takeUint32(data []byte) uint32 {
	return uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
}
