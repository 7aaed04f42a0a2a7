package ipc

import (
	"context"
	"encoding/json"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/coro-totem/totemcore/pkg/confdb"
	"github.com/coro-totem/totemcore/pkg/constants"
	"github.com/coro-totem/totemcore/pkg/cpg"
	"github.com/coro-totem/totemcore/pkg/nodeid"
	"github.com/coro-totem/totemcore/pkg/quorum"
	"github.com/coro-totem/totemcore/pkg/totemerr"
)

// session is one connected client: its socket, a write mutex (responses
// and push frames share the connection, §6 "callbacks arrive ... as
// confchg, deliver, or totem_confchg messages"), and the CPG handle plus
// group interest set needed to route confchg fan-out (cpg.Service itself
// only reports confchg per-group, not per-client, mirroring §4.8's
// "emit confchg" wording).
type session struct {
	conn     net.Conn
	writeMu  sync.Mutex
	cpgID    cpg.ClientID
	hasCPG   bool
	groupsMu sync.Mutex
	groups   map[string]bool
}

func (s *session) send(h Header, body interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return WriteFrame(s.conn, h, body)
}

func (s *session) interested(group string) bool {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	return s.groups[group]
}

func (s *session) setInterest(group string, in bool) {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	if in {
		s.groups[group] = true
	} else {
		delete(s.groups, group)
	}
}

// Server multiplexes the synchronous request/response and asynchronous
// dispatch patterns of §6 over one listener, fanning requests out to the
// CPG, quorum, and confdb-lite services of one Instance.
type Server struct {
	localID nodeid.ID
	log     *logrus.Entry

	cpg    *cpg.Service
	quorum *quorum.Service
	confdb *confdb.DB

	mu       sync.Mutex
	sessions map[cpg.ClientID]*session
}

// NewServer constructs an IPC server bound to localID. The service
// backends are attached afterward via SetCPG/SetQuorum/SetConfdb because
// cpg.NewService itself needs this Server's bound deliver/confchg
// methods at construction time — a two-phase wiring dance pkg/instance
// performs once at startup.
func NewServer(localID nodeid.ID, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{localID: localID, log: log, sessions: make(map[cpg.ClientID]*session)}
}

func (s *Server) SetCPG(svc *cpg.Service)       { s.cpg = svc }
func (s *Server) SetQuorum(svc *quorum.Service) { s.quorum = svc }
func (s *Server) SetConfdb(db *confdb.DB)       { s.confdb = db }

// Serve accepts connections until ctx is cancelled, mirroring the
// teacher's pkg/control/api.go Serve loop generalized to this module's
// binary framing instead of a bare JSON stream.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	sess := &session{conn: conn, groups: make(map[string]bool)}

	defer func() {
		if sess.hasCPG {
			s.mu.Lock()
			delete(s.sessions, sess.cpgID)
			s.mu.Unlock()
			if s.cpg != nil {
				_ = s.cpg.Finalize(sess.cpgID)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		h, body, err := ReadFrame(conn)
		if err != nil {
			return
		}
		s.dispatch(sess, h, body)
	}
}

func (s *Server) dispatch(sess *session, h Header, body []byte) {
	switch h.ServiceID {
	case ServiceCPG:
		s.dispatchCPG(sess, h, body)
	case ServiceQuorum:
		s.dispatchQuorum(sess, h)
	case ServiceConfdb:
		s.dispatchConfdb(sess, h, body)
	default:
		_ = sess.send(Header{ServiceID: h.ServiceID, MessageID: h.MessageID, Error: constants.ErrInvalidParam}, nil)
	}
}

func errHeader(h Header, code uint32) Header {
	return Header{ServiceID: h.ServiceID, MessageID: h.MessageID, Error: code}
}

func errCodeOf(err error) uint32 {
	if te, ok := err.(*totemerr.Error); ok {
		return te.Code
	}
	return constants.ErrLibrary
}

// --- CPG ---

type cpgConnectReq struct {
	Pid uint32 `json:"pid"`
}

type cpgJoinReq struct {
	Group          string `json:"group"`
	DeliverInitial bool   `json:"deliver_initial"`
}

type cpgLeaveReq struct {
	Group string `json:"group"`
}

type cpgMcastReq struct {
	Group   string `json:"group"`
	Payload []byte `json:"payload"`
}

type cpgMembershipGetReq struct {
	Group string `json:"group"`
}

type cpgRecord struct {
	Node uint32 `json:"node"`
	Pid  uint32 `json:"pid"`
}

func toCPGRecords(recs []cpg.Record) []cpgRecord {
	out := make([]cpgRecord, len(recs))
	for i, r := range recs {
		out[i] = cpgRecord{Node: uint32(r.Node), Pid: r.Pid}
	}
	return out
}

func (s *Server) dispatchCPG(sess *session, h Header, body []byte) {
	if s.cpg == nil {
		_ = sess.send(errHeader(h, constants.ErrLibrary), nil)
		return
	}

	switch h.MessageID {
	case MsgCPGConnect:
		var req cpgConnectReq
		_ = json.Unmarshal(body, &req)
		id := s.cpg.Connect(s.localID, req.Pid)
		sess.cpgID = id
		sess.hasCPG = true
		s.mu.Lock()
		s.sessions[id] = sess
		s.mu.Unlock()
		_ = sess.send(Header{ServiceID: ServiceCPG, MessageID: h.MessageID}, nil)

	case MsgCPGFinalize:
		err := s.cpg.Finalize(sess.cpgID)
		if err != nil {
			_ = sess.send(errHeader(h, errCodeOf(err)), nil)
			return
		}
		_ = sess.send(Header{ServiceID: ServiceCPG, MessageID: h.MessageID}, nil)

	case MsgCPGJoin:
		var req cpgJoinReq
		if err := json.Unmarshal(body, &req); err != nil {
			_ = sess.send(errHeader(h, constants.ErrInvalidParam), nil)
			return
		}
		if err := s.cpg.Join(sess.cpgID, req.Group, req.DeliverInitial); err != nil {
			_ = sess.send(errHeader(h, errCodeOf(err)), nil)
			return
		}
		sess.setInterest(req.Group, true)
		_ = sess.send(Header{ServiceID: ServiceCPG, MessageID: h.MessageID}, nil)

	case MsgCPGLeave:
		var req cpgLeaveReq
		if err := json.Unmarshal(body, &req); err != nil {
			_ = sess.send(errHeader(h, constants.ErrInvalidParam), nil)
			return
		}
		if err := s.cpg.Leave(sess.cpgID, req.Group); err != nil {
			_ = sess.send(errHeader(h, errCodeOf(err)), nil)
			return
		}
		sess.setInterest(req.Group, false)
		_ = sess.send(Header{ServiceID: ServiceCPG, MessageID: h.MessageID}, nil)

	case MsgCPGMcast:
		var req cpgMcastReq
		if err := json.Unmarshal(body, &req); err != nil {
			_ = sess.send(errHeader(h, constants.ErrInvalidParam), nil)
			return
		}
		// Asynchronous dispatch (§6): the request returns immediately.
		err := s.cpg.Mcast(sess.cpgID, req.Group, req.Payload)
		code := constants.ErrOK
		if err != nil {
			code = errCodeOf(err)
		}
		_ = sess.send(Header{ServiceID: ServiceCPG, MessageID: h.MessageID, Error: code}, nil)

	case MsgCPGMembershipGet:
		var req cpgMembershipGetReq
		if err := json.Unmarshal(body, &req); err != nil {
			_ = sess.send(errHeader(h, constants.ErrInvalidParam), nil)
			return
		}
		recs := s.cpg.MembershipGet(req.Group)
		_ = sess.send(Header{ServiceID: ServiceCPG, MessageID: h.MessageID}, toCPGRecords(recs))

	case MsgCPGLocalGet:
		local := s.cpg.LocalGet(sess.cpgID)
		out := make(map[string]cpgRecord, len(local))
		for g, r := range local {
			out[g] = cpgRecord{Node: uint32(r.Node), Pid: r.Pid}
		}
		_ = sess.send(Header{ServiceID: ServiceCPG, MessageID: h.MessageID}, out)

	default:
		_ = sess.send(errHeader(h, constants.ErrInvalidParam), nil)
	}
}

// CPGDeliver is registered as the cpg.Service DeliverFunc: it routes one
// payload to the session that owns the targeted ClientID (§6 "deliver"
// push message).
func (s *Server) CPGDeliver(client cpg.ClientID, group string, source nodeid.ID, payload []byte) {
	s.mu.Lock()
	sess, ok := s.sessions[client]
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = sess.send(Header{ServiceID: ServiceCPG, MessageID: MsgDeliver}, struct {
		Group   string `json:"group"`
		Source  uint32 `json:"source"`
		Payload []byte `json:"payload"`
	}{group, uint32(source), payload})
}

// CPGConfChg is registered as the cpg.Service ConfChgFunc: it fans the
// event out to every connected session that has expressed interest in
// group (§6 "confchg" push message).
func (s *Server) CPGConfChg(group string, joined, left []cpg.Record) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	body := struct {
		Group  string      `json:"group"`
		Joined []cpgRecord `json:"joined"`
		Left   []cpgRecord `json:"left"`
	}{group, toCPGRecords(joined), toCPGRecords(left)}

	for _, sess := range sessions {
		if sess.interested(group) {
			_ = sess.send(Header{ServiceID: ServiceCPG, MessageID: MsgConfChg}, body)
		}
	}
}

// CPGInitialMembership is registered via cpg.Service.SetInitialMembershipFunc:
// it precedes the first real confchg with a synthetic totem_confchg push
// for a client that joined with deliverInitial set (§4.8).
func (s *Server) CPGInitialMembership(client cpg.ClientID, group string) {
	s.mu.Lock()
	sess, ok := s.sessions[client]
	s.mu.Unlock()
	if !ok || s.cpg == nil {
		return
	}
	recs := s.cpg.MembershipGet(group)
	_ = sess.send(Header{ServiceID: ServiceCPG, MessageID: MsgTotemConfchg}, struct {
		Group   string      `json:"group"`
		Members []cpgRecord `json:"members"`
	}{group, toCPGRecords(recs)})
}

// --- Quorum ---

func (s *Server) dispatchQuorum(sess *session, h Header) {
	if s.quorum == nil {
		_ = sess.send(errHeader(h, constants.ErrLibrary), nil)
		return
	}
	switch h.MessageID {
	case MsgQuorumGet:
		quorate, count, threshold := s.quorum.Get()
		_ = sess.send(Header{ServiceID: ServiceQuorum, MessageID: h.MessageID}, struct {
			Quorate     bool `json:"quorate"`
			MemberCount int  `json:"member_count"`
			Threshold   int  `json:"threshold"`
		}{quorate, count, threshold})
	default:
		_ = sess.send(errHeader(h, constants.ErrInvalidParam), nil)
	}
}

// QuorumNotify is registered as the quorum.Service NotifyFunc, fanning
// the recomputed verdict out to every connected session (§4.9).
func (s *Server) QuorumNotify(quorate bool, memberCount, threshold int) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	body := struct {
		Quorate     bool `json:"quorate"`
		MemberCount int  `json:"member_count"`
		Threshold   int  `json:"threshold"`
	}{quorate, memberCount, threshold}
	for _, sess := range sessions {
		_ = sess.send(Header{ServiceID: ServiceQuorum, MessageID: MsgQuorumNotification}, body)
	}
}

// --- Confdb-lite ---

type confdbPathReq struct {
	Path []string `json:"path"`
	Key  string   `json:"key,omitempty"`
}

type confdbSetReq struct {
	Path  []string `json:"path"`
	Key   string   `json:"key"`
	Value []byte   `json:"value"`
}

func (s *Server) dispatchConfdb(sess *session, h Header, body []byte) {
	if s.confdb == nil {
		_ = sess.send(errHeader(h, constants.ErrLibrary), nil)
		return
	}
	switch h.MessageID {
	case MsgConfdbGet:
		var req confdbPathReq
		if err := json.Unmarshal(body, &req); err != nil {
			_ = sess.send(errHeader(h, constants.ErrInvalidParam), nil)
			return
		}
		v, err := s.confdb.Get(req.Path, req.Key)
		if err != nil {
			_ = sess.send(errHeader(h, errCodeOf(err)), nil)
			return
		}
		_ = sess.send(Header{ServiceID: ServiceConfdb, MessageID: h.MessageID}, struct {
			Value []byte `json:"value"`
		}{v})

	case MsgConfdbSet:
		var req confdbSetReq
		if err := json.Unmarshal(body, &req); err != nil {
			_ = sess.send(errHeader(h, constants.ErrInvalidParam), nil)
			return
		}
		if err := s.confdb.Set(req.Path, req.Key, req.Value); err != nil {
			_ = sess.send(errHeader(h, errCodeOf(err)), nil)
			return
		}
		_ = sess.send(Header{ServiceID: ServiceConfdb, MessageID: h.MessageID}, nil)

	case MsgConfdbCreateSection:
		var req confdbPathReq
		if err := json.Unmarshal(body, &req); err != nil {
			_ = sess.send(errHeader(h, constants.ErrInvalidParam), nil)
			return
		}
		if err := s.confdb.CreateSection(req.Path); err != nil {
			_ = sess.send(errHeader(h, errCodeOf(err)), nil)
			return
		}
		_ = sess.send(Header{ServiceID: ServiceConfdb, MessageID: h.MessageID}, nil)

	case MsgConfdbDestroySection:
		var req confdbPathReq
		if err := json.Unmarshal(body, &req); err != nil {
			_ = sess.send(errHeader(h, constants.ErrInvalidParam), nil)
			return
		}
		if err := s.confdb.DestroySection(req.Path); err != nil {
			_ = sess.send(errHeader(h, errCodeOf(err)), nil)
			return
		}
		_ = sess.send(Header{ServiceID: ServiceConfdb, MessageID: h.MessageID}, nil)

	case MsgConfdbKeys:
		var req confdbPathReq
		if err := json.Unmarshal(body, &req); err != nil {
			_ = sess.send(errHeader(h, constants.ErrInvalidParam), nil)
			return
		}
		keys, err := s.confdb.Keys(req.Path)
		if err != nil {
			_ = sess.send(errHeader(h, errCodeOf(err)), nil)
			return
		}
		_ = sess.send(Header{ServiceID: ServiceConfdb, MessageID: h.MessageID}, struct {
			Keys []string `json:"keys"`
		}{keys})

	case MsgConfdbDump:
		dump, err := s.confdb.Dump()
		if err != nil {
			_ = sess.send(errHeader(h, constants.ErrLibrary), nil)
			return
		}
		_ = sess.send(Header{ServiceID: ServiceConfdb, MessageID: h.MessageID}, struct {
			Dump []byte `json:"dump"`
		}{dump})

	default:
		_ = sess.send(errHeader(h, constants.ErrInvalidParam), nil)
	}
}
