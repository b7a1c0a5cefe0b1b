// Package device implements the master's scoped ownership of one raw
// Ethernet interface (§4.3): link state, a single pre-framed TX buffer, and
// the injection point the NIC driver uses to hand received bytes back in.
//
// Shaped after the teacher's pkg/can.Bus boundary (pkg/can/bus.go) and its
// socketcan wrapper (pkg/can/socketcan/socketcan.go): a small interface the
// real transport implements, registered by name, with a thin struct on this
// side translating to/from the stack's own frame representation.
package device

import (
	"encoding/binary"
	"sync"

	log "github.com/sirupsen/logrus"
)

// LinkState mirrors the Device.link_state field in spec.md §3.
type LinkState uint8

const (
	Down LinkState = iota
	Up
)

// Raw is the boundary a NIC driver implements to back a Device. Production
// code backs it with an AF_PACKET socket (see raw_linux.go); tests back it
// with an in-process loopback (see virtual.go).
type Raw interface {
	// WriteFrame transmits exactly one Ethernet frame.
	WriteFrame(frame []byte) error
	// Close releases the underlying transport.
	Close() error
}

// NewRawFunc constructs a Raw transport bound to a named interface, the same
// shape as the teacher's can.NewInterfaceFunc registry.
type NewRawFunc func(ifaceName string) (Raw, error)

var registry = make(map[string]NewRawFunc)

// Register adds a named Raw transport constructor. Call from an init() in a
// transport-specific file, mirroring can.RegisterInterface.
func Register(name string, fn NewRawFunc) { registry[name] = fn }

// New constructs a Device bound to the named, already-registered transport.
func New(transport, ifaceName string, localMAC [6]byte) (*Device, error) {
	fn, ok := registry[transport]
	if !ok {
		return nil, ErrUnknownTransport
	}
	raw, err := fn(ifaceName)
	if err != nil {
		return nil, err
	}
	d := &Device{
		raw:      raw,
		localMAC: localMAC,
	}
	d.resetTxHeader()
	// Transports that deliver frames via a synchronous callback (see
	// virtual.go) rather than a blocking read loop (see raw_linux.go) wire
	// straight into Device.Receive here instead of needing a caller-managed
	// goroutine.
	if fs, ok := raw.(frameSource); ok {
		fs.OnFrame(d.Receive)
	}
	return d, nil
}

// frameSource is implemented by Raw transports that push received frames
// via callback instead of exposing a blocking read loop.
type frameSource interface {
	OnFrame(fn func(frame []byte))
}

// txFrameMinLen is the Ethernet minimum frame payload (§4.4: "pad to 46
// bytes minimum").
const txFrameMinLen = 46
const ethHeaderLen = 14

// Device owns exactly one Ethernet interface on behalf of the master. Exactly
// one master may hold a Device; the frame manager is its sole caller.
type Device struct {
	mu       sync.Mutex
	raw      Raw
	localMAC [6]byte

	linkState LinkState
	txBuffer  []byte // pre-built Ethernet-II header, copied to the front of every sent frame
	txCount   uint64
	rxCount   uint64

	onReceive func(datagrams []byte)
}

// ErrUnknownTransport is returned by New when no transport was registered
// under the requested name.
var ErrUnknownTransport = errUnknownTransport{}

type errUnknownTransport struct{}

func (errUnknownTransport) Error() string { return "device: unknown transport" }

func (d *Device) resetTxHeader() {
	d.txBuffer = make([]byte, ethHeaderLen, ethHeaderLen+txFrameMinLen)
	// Destination: broadcast, since the master addresses slaves at the
	// EtherCAT layer (station/logical address), not via MAC.
	for i := 0; i < 6; i++ {
		d.txBuffer[i] = 0xFF
	}
	copy(d.txBuffer[6:12], d.localMAC[:])
	binary.BigEndian.PutUint16(d.txBuffer[12:14], 0x88A4)
}

// SetOnReceive registers the callback invoked with the EtherCAT payload
// (Ethernet header stripped) of every received 0x88A4 frame. Called once by
// the frame manager at construction.
func (d *Device) SetOnReceive(fn func(datagrams []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onReceive = fn
}

// Open brings the link up.
func (d *Device) Open() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.linkState = Up
}

// Close brings the link down and releases the transport.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.linkState = Down
	return d.raw.Close()
}

// SetLinkState is called by the NIC driver on carrier change (§4.3/§6).
func (d *Device) SetLinkState(up bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if up {
		d.linkState = Up
	} else {
		d.linkState = Down
	}
}

// LinkState reports the current link state.
func (d *Device) LinkState() LinkState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.linkState
}

// Counters returns {tx_count, rx_count}.
func (d *Device) Counters() (tx, rx uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txCount, d.rxCount
}

// Send transmits payload (the assembled EtherCAT frame header + datagrams)
// inside the device's pre-built Ethernet-II header. A no-op if the link is
// down, per §4.3.
func (d *Device) Send(payload []byte) error {
	d.mu.Lock()
	if d.linkState != Up {
		d.mu.Unlock()
		return nil
	}
	frame := append(d.txBuffer[:ethHeaderLen:ethHeaderLen], payload...)
	if len(frame) < ethHeaderLen+txFrameMinLen {
		frame = append(frame, make([]byte, ethHeaderLen+txFrameMinLen-len(frame))...)
	}
	d.txCount++
	raw := d.raw
	// Unlocked before transmitting: a synchronous transport (virtual.go) may
	// deliver the reply into Receive on this same Device.
	d.mu.Unlock()
	return raw.WriteFrame(frame)
}

// Receive is called by the NIC driver for every EtherType-0x88A4 frame
// (§4.3/§6). bytes is the full Ethernet frame including its 14-byte header.
func (d *Device) Receive(bytes []byte) {
	if len(bytes) < ethHeaderLen {
		return
	}
	etherType := binary.BigEndian.Uint16(bytes[12:14])
	if etherType != 0x88A4 {
		return
	}
	d.mu.Lock()
	d.rxCount++
	cb := d.onReceive
	d.mu.Unlock()
	if cb != nil {
		cb(bytes[ethHeaderLen:])
	} else {
		log.Debug("[DEVICE] received frame with no registered handler, dropping")
	}
}
