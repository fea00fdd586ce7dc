package netdev

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/malbeclabs/netstackd/internal/ethernet"
	"github.com/malbeclabs/netstackd/internal/sched"
)

// ProtoHandler processes one queued frame on the stack worker goroutine.
type ProtoHandler func(data []byte, dev *Device)

type protoEntry struct {
	handler ProtoHandler
	queue   []queueEntry
}

type queueEntry struct {
	dev  *Device
	data []byte
}

// Registry is the link-protocol-type → handler table plus the per-protocol
// FIFO input queue drained by the softirq. Append-only registration,
// exactly one handler per EtherType.
type Registry struct {
	log *slog.Logger

	mu        sync.Mutex
	protocols map[ethernet.EtherType]*protoEntry
	order     []ethernet.EtherType

	worker *sched.Worker
}

// NewRegistry constructs a Registry and installs its drain-all callback as
// the worker's softirq handler.
func NewRegistry(log *slog.Logger, worker *sched.Worker) *Registry {
	r := &Registry{
		log:       log,
		protocols: make(map[ethernet.EtherType]*protoEntry),
		worker:    worker,
	}
	worker.SetSoftIRQHandler(r.drainAll)
	return r
}

// Register installs handler for t. Each EtherType may be registered once.
func (r *Registry) Register(t ethernet.EtherType, handler ProtoHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.protocols[t]; ok {
		return fmt.Errorf("netdev: protocol %s already registered", t)
	}
	r.protocols[t] = &protoEntry{handler: handler}
	r.order = append(r.order, t)
	return nil
}

// InputHandler is called by a driver on frame arrival. It copies the frame
// into a fresh queue entry, enqueues it FIFO on the matching protocol's
// queue, and raises the softirq. Unknown protocols drop silently.
func (r *Registry) InputHandler(t ethernet.EtherType, data []byte, dev *Device) {
	r.mu.Lock()
	e, ok := r.protocols[t]
	if !ok {
		r.mu.Unlock()
		r.log.Debug("netdev: dropping frame for unregistered protocol", "type", t, "dev", dev.Name)
		return
	}
	cp := append([]byte(nil), data...)
	e.queue = append(e.queue, queueEntry{dev: dev, data: cp})
	r.mu.Unlock()
	r.worker.RaiseSoftIRQ()
}

// drainAll runs on the worker goroutine: it drains every protocol's input
// queue FIFO, invoking that protocol's handler per entry.
func (r *Registry) drainAll() {
	for {
		r.mu.Lock()
		var (
			handler ProtoHandler
			ent     queueEntry
			found   bool
		)
		for _, t := range r.order {
			e := r.protocols[t]
			if len(e.queue) > 0 {
				ent = e.queue[0]
				e.queue = e.queue[1:]
				handler = e.handler
				found = true
				break
			}
		}
		r.mu.Unlock()
		if !found {
			return
		}
		handler(ent.data, ent.dev)
	}
}
