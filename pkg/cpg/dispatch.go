package cpg

import (
	"fmt"

	"github.com/coro-totem/totemcore/pkg/constants"
)

// HandleMessage routes a CPG wire message by kind, called from the owning
// instance's dispatch path whenever a frame's payload is tagged as CPG
// traffic (§4.8).
func (s *Service) HandleMessage(kind uint8, payload []byte) error {
	switch kind {
	case constants.CPGProcJoin:
		return s.handleProcJoin(payload)
	case constants.CPGProcLeave:
		return s.handleProcLeave(payload)
	case constants.CPGJoinList:
		return s.handleJoinList(payload)
	case constants.CPGMcast:
		return s.handleMcastMsg(payload)
	default:
		return fmt.Errorf("cpg: unknown message kind %d", kind)
	}
}

func (s *Service) handleProcJoin(payload []byte) error {
	group, record, _, err := decodeProcEvent(payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	g, ok := s.groups[group]
	if !ok {
		g = &groupState{}
		s.groups[group] = g
	}
	if g.indexOf(record) == -1 {
		g.records = append(g.records, record)
	}

	// If this record belongs to one of our own local clients, advance its
	// descriptor past JOIN_STARTED now that the ring has ordered the join.
	var initialEvents []ClientID
	for id, cd := range s.clients {
		if cd.localID != record.Node || cd.pid != record.Pid {
			continue
		}
		if cd.joins[group] == constants.CPGJoinStarted {
			cd.joins[group] = constants.CPGJoinCompleted
			if cd.deliverInitial[group] && !cd.initialDelivered[group] {
				cd.initialDelivered[group] = true
				initialEvents = append(initialEvents, id)
			}
		}
	}
	s.mu.Unlock()

	if s.initialMembership != nil {
		for _, id := range initialEvents {
			s.initialMembership(id, group)
		}
	}
	if s.confchg != nil {
		s.confchg(group, []Record{record}, nil)
	}
	return nil
}

func (s *Service) handleProcLeave(payload []byte) error {
	group, record, _, err := decodeProcEvent(payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	g, ok := s.groups[group]
	if ok {
		if idx := g.indexOf(record); idx != -1 {
			g.records = append(g.records[:idx], g.records[idx+1:]...)
		}
	}
	for _, cd := range s.clients {
		if cd.localID == record.Node && cd.pid == record.Pid && cd.joins[group] == constants.CPGLeaveStarted {
			delete(cd.joins, group)
			delete(cd.deliverInitial, group)
			delete(cd.initialDelivered, group)
		}
	}
	s.mu.Unlock()

	if s.confchg != nil {
		s.confchg(group, nil, []Record{record})
	}
	return nil
}

// handleJoinList folds a peer's advertised locally-hosted records into
// the corresponding group lists, used during the sync-phase exchange to
// rebuild membership lists after a ring transition (§4.8 "sent once by
// each node at sync to advertise its locally-hosted records to peers").
func (s *Service) handleJoinList(payload []byte) error {
	group, record, _, err := decodeProcEvent(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	g, ok := s.groups[group]
	if !ok {
		g = &groupState{}
		s.groups[group] = g
	}
	if g.indexOf(record) == -1 {
		g.records = append(g.records, record)
	}
	if s.joinlistPeers != nil {
		s.joinlistPeers[record.Node] = true
	}
	s.mu.Unlock()
	return nil
}

func (s *Service) handleMcastMsg(payload []byte) error {
	group, source, body, err := decodeMcast(payload)
	if err != nil {
		return err
	}

	if s.mcastSeen.checkAndMark(group, uint32(source), body) {
		return nil // already delivered; ring retransmission redelivered it
	}

	s.mu.Lock()
	g, ok := s.groups[group]
	known := false
	if ok {
		for _, r := range g.records {
			if r.Node == source {
				known = true
				break
			}
		}
	}
	if !known {
		s.mu.Unlock()
		return nil // §4.8 "messages from unknown originators are dropped"
	}

	var targets []ClientID
	for id, cd := range s.clients {
		st := cd.joins[group]
		if st == constants.CPGJoinCompleted || st == constants.CPGLeaveStarted {
			targets = append(targets, id)
		}
	}
	s.mu.Unlock()

	if s.deliver == nil {
		return nil
	}
	for _, id := range targets {
		s.deliver(id, group, source, body)
	}
	return nil
}
