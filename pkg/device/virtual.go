package device

import (
	"strconv"
	"sync"
)

func init() {
	Register("virtual", newVirtualRaw)
}

// virtualBus is a process-local broadcast medium: every Device bound to the
// same name shares frames with every other Device bound to that name. This
// plays the role the teacher's pkg/can/virtual plays for CAN (a loopback
// transport for tests), simplified to an in-process fan-out instead of a TCP
// broker since nothing here needs to cross a process boundary.
type virtualBus struct {
	mu        sync.Mutex
	listeners []*virtualRaw
}

var virtualBuses = struct {
	mu   sync.Mutex
	byID map[string]*virtualBus
}{byID: make(map[string]*virtualBus)}

func getVirtualBus(name string) *virtualBus {
	virtualBuses.mu.Lock()
	defer virtualBuses.mu.Unlock()
	b, ok := virtualBuses.byID[name]
	if !ok {
		b = &virtualBus{}
		virtualBuses.byID[name] = b
	}
	return b
}

type virtualRaw struct {
	bus     *virtualBus
	onFrame func(frame []byte)
	closed  bool
}

func newVirtualRaw(name string) (Raw, error) {
	r := &virtualRaw{bus: getVirtualBus(name)}
	r.bus.mu.Lock()
	r.bus.listeners = append(r.bus.listeners, r)
	r.bus.mu.Unlock()
	return r, nil
}

// OnFrame lets a test install a responder that sees every transmitted frame
// (e.g. a simulated slave ring) and may call Device.Receive on its own
// Device to answer back.
func (r *virtualRaw) OnFrame(fn func(frame []byte)) { r.onFrame = fn }

func (r *virtualRaw) WriteFrame(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	r.bus.mu.Lock()
	listeners := append([]*virtualRaw(nil), r.bus.listeners...)
	r.bus.mu.Unlock()
	for _, l := range listeners {
		if l == r || l.onFrame == nil {
			continue
		}
		l.onFrame(cp)
	}
	return nil
}

func (r *virtualRaw) Close() error {
	r.closed = true
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	for i, l := range r.bus.listeners {
		if l == r {
			r.bus.listeners = append(r.bus.listeners[:i], r.bus.listeners[i+1:]...)
			break
		}
	}
	return nil
}

// NewVirtualPair wires two Devices to each other on a fresh, uniquely named
// virtual bus, convenient for unit tests that need one master-side Device
// plus one responder-side sink.
func NewVirtualPair(masterMAC, peerMAC [6]byte) (master *Device, peer *Device) {
	busName := newVirtualBusName()
	m, _ := New("virtual", busName, masterMAC)
	p, _ := New("virtual", busName, peerMAC)
	return m, p
}

var virtualBusSeq struct {
	mu sync.Mutex
	n  int
}

func newVirtualBusName() string {
	virtualBusSeq.mu.Lock()
	defer virtualBusSeq.mu.Unlock()
	virtualBusSeq.n++
	return "virtual-test-bus-" + strconv.Itoa(virtualBusSeq.n)
}
