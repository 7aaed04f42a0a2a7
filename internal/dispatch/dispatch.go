// Package dispatch implements the tagged-variant service dispatch of §9
// design note "Dynamic dispatch over services": the original registers
// CPG, confdb, quorum, and availability-management through a vtable per
// service. This models that as a ServiceID-keyed Table of Handler
// implementations, each handling its own exec-message kinds, plus the
// envelope format the packed-message layer (pkg/pg) carries its
// sub-messages in.
package dispatch

import "fmt"

// ServiceID tags which registered service an exec message belongs to,
// the way §6 IPC framing's service-id field tags which service a client
// request targets.
type ServiceID uint8

const (
	ServiceCPG ServiceID = iota + 1
	ServiceQuorum
)

func (s ServiceID) String() string {
	switch s {
	case ServiceCPG:
		return "cpg"
	case ServiceQuorum:
		return "quorum"
	default:
		return fmt.Sprintf("service(%d)", uint8(s))
	}
}

// Handler is the exec_handler half of the dispatch interface named in §9:
// "{exec_handler(type_id, bytes), sync_init, sync_process, sync_abort,
// sync_activate, confchg}". The sync_* /confchg members are contributed
// separately by syncbarrier.Service and each service's own confchg hook;
// Handler covers only the ordered-delivery exec path.
type Handler interface {
	HandleMessage(kind uint8, payload []byte) error
}

// Table routes one decoded envelope to the service registered for its
// ServiceID, replacing the original's per-service vtable lookup with a
// plain map (§9 "model this as a tagged variant of service kinds").
type Table struct {
	handlers map[ServiceID]Handler
}

func NewTable() *Table {
	return &Table{handlers: make(map[ServiceID]Handler)}
}

// Register binds a service's Handler under id. Re-registering the same id
// replaces the prior binding, which only ever happens during startup
// wiring in pkg/instance.
func (t *Table) Register(id ServiceID, h Handler) {
	t.handlers[id] = h
}

// Dispatch routes one exec message by service id and kind.
func (t *Table) Dispatch(id ServiceID, kind uint8, payload []byte) error {
	h, ok := t.handlers[id]
	if !ok {
		return fmt.Errorf("dispatch: no handler registered for %s", id)
	}
	return h.HandleMessage(kind, payload)
}

// Envelope is the per-submessage wrapper the packed-message layer (§4.5)
// carries: one byte naming the owning service, one byte naming the
// service-specific message kind, then the service's own body bytes. This
// is how several services' traffic rides inside the single PG-packed
// payload that one SRP Mcast carries (§2 "coalesces many small service
// messages into one SRP frame").
func EncodeEnvelope(service ServiceID, kind uint8, body []byte) []byte {
	buf := make([]byte, 0, 2+len(body))
	buf = append(buf, byte(service), kind)
	return append(buf, body...)
}

// DecodeEnvelope reverses EncodeEnvelope.
func DecodeEnvelope(data []byte) (service ServiceID, kind uint8, body []byte, err error) {
	if len(data) < 2 {
		return 0, 0, nil, fmt.Errorf("dispatch: truncated envelope (%d bytes)", len(data))
	}
	return ServiceID(data[0]), data[1], data[2:], nil
}
