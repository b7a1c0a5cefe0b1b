package ethercat

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gosoem/master/internal/wire"
	"github.com/gosoem/master/pkg/datagram"
	"github.com/gosoem/master/pkg/device"
)

// ecFrameType is the EtherCAT frame header's "type" nibble for a frame
// carrying EtherCAT commands (§4.4, §6).
const ecFrameType = 1

// frameHeaderLen is the 2-byte {length:u11, reserved:u1, type:u4} header
// that precedes the datagrams inside the EtherCAT payload.
const frameHeaderLen = 2

// defaultDatagramTimeout is simple_io's bounded wait and also the default
// age at which a Sent datagram still in the queue is moved to TimedOut.
const defaultDatagramTimeout = 100 * time.Millisecond

// statLogInterval caps how often a non-zero transport counter is logged,
// mirroring BusManager.Process's periodic error refresh in the teacher.
const statLogInterval = time.Second

// FrameManager packs queued datagrams into EtherCAT frames, transmits them
// through a device.Device, and matches responses back to their callers
// (§4.4). It plays the role the teacher's BusManager plays for a CAN bus:
// one mutex-guarded dispatcher in front of the raw transport, with
// index-keyed bookkeeping instead of CAN-ID-keyed subscriber lists.
type FrameManager struct {
	mu  sync.Mutex
	dev *device.Device

	commandIndex uint8
	pending      []*datagram.Datagram
	sent         map[uint8]*datagram.Datagram

	stats      transportStats
	lastLogged time.Time
}

type transportStats struct {
	timedOut  uint64
	delayed   uint64
	corrupted uint64
	unmatched uint64
}

// NewFrameManager binds a FrameManager to dev and installs itself as the
// device's receive callback.
func NewFrameManager(dev *device.Device) *FrameManager {
	fm := &FrameManager{
		dev:  dev,
		sent: make(map[uint8]*datagram.Datagram),
	}
	dev.SetOnReceive(fm.receive)
	return fm
}

// Queue appends datagram to the pending list if it is not already queued or
// in flight (§4.4 "Queueing").
func (fm *FrameManager) Queue(d *datagram.Datagram) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if d.State == datagram.Queued || d.State == datagram.Sent {
		return
	}
	d.State = datagram.Queued
	fm.pending = append(fm.pending, d)
}

// Send packs every queued datagram into one EtherCAT frame, assigns each a
// unique index, and transmits it (§4.4 "Emit"). A no-op if nothing is
// queued.
func (fm *FrameManager) Send() error {
	fm.mu.Lock()
	if len(fm.pending) == 0 {
		fm.mu.Unlock()
		return nil
	}
	batch := fm.pending
	fm.pending = nil

	payload := make([]byte, frameHeaderLen)
	now := time.Now()
	for i, d := range batch {
		idx := fm.commandIndex
		fm.commandIndex++
		// Evict any stale entry still parked under this index (it can only
		// be a long-dead TimedOut/Received datagram the caller never
		// requeued; reusing the index is still correct, §3's uniqueness
		// invariant only binds Queued|Sent datagrams).
		delete(fm.sent, idx)
		next := i != len(batch)-1
		payload = d.Marshal(payload, idx, next)
		d.State = datagram.Sent
		d.SentTicks = now.UnixNano()
		fm.sent[idx] = d
	}
	ecLen := uint16(len(payload) - frameHeaderLen)
	wire.WriteU16(payload, 0, (ecLen&0x07FF)|(uint16(ecFrameType)<<12))
	fm.mu.Unlock()

	return fm.dev.Send(payload)
}

// receive is installed as the device's onReceive callback (§4.4 "Receive").
// bytes is the EtherCAT payload with the Ethernet header already stripped.
func (fm *FrameManager) receive(bytes []byte) {
	if len(bytes) < frameHeaderLen {
		fm.countCorrupted()
		return
	}
	header := wire.ReadU16(bytes, 0)
	ecLen := int(header & 0x07FF)
	frameType := uint8(header >> 12)
	if frameType != ecFrameType || frameHeaderLen+ecLen > len(bytes) {
		fm.countCorrupted()
		return
	}

	now := time.Now()
	buf := bytes[frameHeaderLen : frameHeaderLen+ecLen]
	for len(buf) > 0 {
		h, ok := datagram.UnmarshalHeader(buf)
		if !ok {
			fm.countCorrupted()
			return
		}
		total := 10 + h.Len + 2
		if total > len(buf) {
			fm.countCorrupted()
			return
		}
		fm.matchOne(h, buf[10:10+h.Len], wire.ReadU16(buf, 10+h.Len), now)
		if !h.Next {
			break
		}
		buf = buf[total:]
	}
}

func (fm *FrameManager) matchOne(h datagram.Header, payload []byte, wc uint16, now time.Time) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	d, ok := fm.sent[h.Index]
	if !ok || d.Command != h.Command || len(d.Data) != h.Len || d.State != datagram.Sent {
		fm.stats.unmatched++
		return
	}
	copy(d.Data, payload)
	d.WorkingCounter = wc
	d.ReceivedTicks = now.UnixNano()
	d.State = datagram.Received
	delete(fm.sent, h.Index)
}

func (fm *FrameManager) countCorrupted() {
	fm.mu.Lock()
	fm.stats.corrupted++
	fm.mu.Unlock()
}

// CheckTimeouts moves any Sent datagram older than timeout back to
// TimedOut. Call this cyclically alongside Send/receive (§4.4).
func (fm *FrameManager) CheckTimeouts(timeout time.Duration) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	now := time.Now()
	for idx, d := range fm.sent {
		if d.State != datagram.Sent {
			delete(fm.sent, idx)
			continue
		}
		if now.Sub(time.Unix(0, d.SentTicks)) >= timeout {
			d.State = datagram.TimedOut
			d.SkipCount++
			fm.stats.timedOut++
			delete(fm.sent, idx)
		}
	}
	fm.logStats()
}

// logStats reports non-zero transport counters at most once per second,
// mirroring the rate-limited counter logging the spec calls for (§4.4).
func (fm *FrameManager) logStats() {
	now := time.Now()
	if now.Sub(fm.lastLogged) < statLogInterval {
		return
	}
	if fm.stats.timedOut == 0 && fm.stats.delayed == 0 && fm.stats.corrupted == 0 && fm.stats.unmatched == 0 {
		return
	}
	log.WithFields(log.Fields{
		"timed_out": fm.stats.timedOut,
		"delayed":   fm.stats.delayed,
		"corrupted": fm.stats.corrupted,
		"unmatched": fm.stats.unmatched,
	}).Warn("[FRAME] transport error counters")
	fm.lastLogged = now
}

// SimpleIO queues d, then repeatedly sends and polls until d leaves Sent or
// timeout elapses (§4.4 "Synchronous helper"). Only used during
// configuration; never called from the realtime cyclic path.
func (fm *FrameManager) SimpleIO(d *datagram.Datagram, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultDatagramTimeout
	}
	fm.Queue(d)
	deadline := time.Now().Add(timeout)
	for {
		if err := fm.Send(); err != nil {
			return err
		}
		time.Sleep(time.Millisecond)
		fm.mu.Lock()
		state := d.State
		fm.mu.Unlock()
		if state != datagram.Sent && state != datagram.Queued {
			break
		}
		if time.Now().After(deadline) {
			fm.mu.Lock()
			if d.State == datagram.Sent {
				d.State = datagram.TimedOut
				delete(fm.sent, d.Index)
			}
			fm.mu.Unlock()
			break
		}
	}
	switch d.State {
	case datagram.Received:
		return nil
	case datagram.TimedOut:
		return ErrDatagramTimedOut
	default:
		return ErrFrameCorrupt
	}
}
