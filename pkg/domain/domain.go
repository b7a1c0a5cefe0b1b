// Package domain implements the process-data Domain (§4.12): a set of
// registered PDO entries packed into one contiguous buffer and exchanged
// each cycle via one or more LRW datagrams.
//
// Grounded on the teacher's pkg/pdo (rpdo.go/tpdo.go/common.go): a mapped
// entry list that computes byte offsets as it is built, and a single
// buffer the caller reads/writes directly rather than a copy-in/copy-out
// API.
package domain

import (
	ec "github.com/gosoem/master"
	"github.com/gosoem/master/pkg/datagram"
	"github.com/gosoem/master/pkg/slave"
)

// State is the domain's last-cycle working-counter verdict (§4.12
// "process").
type State uint8

const (
	Zero State = iota
	Incomplete
	Complete
)

func (s State) String() string {
	switch s {
	case Zero:
		return "Zero"
	case Incomplete:
		return "Incomplete"
	case Complete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// registeredEntry is one reg_pdo_entry result, kept so finalize can lay out
// logical addresses and compute the expected working counter.
type registeredEntry struct {
	config       *slave.SlaveConfig
	syncIndex    uint8
	dir          slave.SyncManagerDirection
	byteOffset   int
	byteLength   int
}

// Domain is a registered set of PDO entries plus the buffer and LRW
// datagram(s) that carry them each cycle (§3, §4.12).
type Domain struct {
	Index int

	entries []registeredEntry
	data    []byte
	logical uint32

	datagrams []*datagram.Datagram

	expectedWorkingCounter uint16
	workingCounter         uint16
	State                  State

	finalized bool
}

// New creates an empty domain with the given monotonically increasing
// index (§4.12 "create").
func New(index int) *Domain {
	return &Domain{Index: index}
}

// RegPdoEntry resolves entryIndex:entrySubindex against cfg's attached
// slave PDO assignment and appends it to the domain, returning the
// starting byte offset within the domain's buffer (§4.12 "reg_pdo_entry").
// Must be called before Finalize.
func (d *Domain) RegPdoEntry(cfg *slave.SlaveConfig, entryIndex uint16, entrySubindex uint8) (int, error) {
	if d.finalized {
		return 0, ec.ErrRegistrationFailed
	}
	s := cfg.Attached()
	if s == nil {
		return 0, ec.ErrPdoEntryNotFound
	}
	pdo, entry, ok := s.ResolvePDO(entryIndex, entrySubindex)
	if !ok {
		return 0, ec.ErrPdoEntryNotFound
	}
	if entry.BitLength%8 != 0 {
		return 0, ec.ErrPdoEntryNotByteAligned
	}

	dir := slave.SMOutput
	if pdo.Dir == slave.Input {
		dir = slave.SMInput
	}

	offset := len(d.data)
	length := int(entry.BitLength / 8)
	d.data = append(d.data, make([]byte, length)...)
	d.entries = append(d.entries, registeredEntry{
		config:     cfg,
		syncIndex:  pdo.SyncIndex,
		dir:        dir,
		byteOffset: offset,
		byteLength: length,
	})
	return offset, nil
}

// Data returns the domain's process-data buffer, directly readable and
// writable by the realtime caller between receive and queue.
func (d *Domain) Data() []byte { return d.data }

// Finalize lays out the domain's logical base address, builds its LRW
// datagram(s), and computes the expected working counter (§4.12
// "finalize"). baseAddr is the logical address this domain starts at;
// callers lay out multiple domains contiguously.
func (d *Domain) Finalize(baseAddr uint32) error {
	if len(d.data) == 0 {
		d.finalized = true
		return nil
	}
	d.logical = baseAddr
	lrw := datagram.New(datagram.LRW)
	lrw.InitLRW(baseAddr, len(d.data))
	d.datagrams = []*datagram.Datagram{lrw}

	// Each sync-managed PDO contributes to the expected working counter
	// per the EtherCAT rule: reads contribute 1, writes contribute 2,
	// read/write (LRW covering both directions in one FMMU) contributes 3.
	var reads, writes, mixed int
	seen := map[*slave.SlaveConfig]map[slave.SyncManagerDirection]bool{}
	for _, e := range d.entries {
		if seen[e.config] == nil {
			seen[e.config] = map[slave.SyncManagerDirection]bool{}
		}
		if seen[e.config][e.dir] {
			continue
		}
		seen[e.config][e.dir] = true
		if e.dir == slave.SMInput {
			reads++
		} else {
			writes++
		}
		if seen[e.config][slave.SMInput] && seen[e.config][slave.SMOutput] {
			// a slave contributing both directions counts once as a
			// combined read/write, not once each.
			reads--
			writes--
			mixed++
		}
	}
	d.expectedWorkingCounter = uint16(reads + 2*writes + 3*mixed)
	d.finalized = true
	return nil
}

// Queue marks this domain's LRW datagram(s) for the next Send (§4.12
// "queue"). It copies the current buffer contents into the datagram
// payload.
func (d *Domain) Queue(fm interface {
	Queue(dg *datagram.Datagram)
}) {
	for _, dg := range d.datagrams {
		copy(dg.Data, d.data)
		fm.Queue(dg)
	}
}

// Process inspects the last cycle's working counter across this domain's
// datagrams and updates State (§4.12 "process"). Data received from the
// wire is copied back into the domain buffer.
func (d *Domain) Process() {
	var wc uint16
	for _, dg := range d.datagrams {
		if dg.State == datagram.Received {
			wc += dg.WorkingCounter
			copy(d.data, dg.Data)
		}
	}
	d.workingCounter = wc
	switch {
	case wc == 0:
		d.State = Zero
	case wc < d.expectedWorkingCounter:
		d.State = Incomplete
	default:
		d.State = Complete
	}
}

// WorkingCounterState publishes {working_counter, wc_state} (§4.12
// "state").
func (d *Domain) WorkingCounterState() (uint16, State) { return d.workingCounter, d.State }

// ExpectedWorkingCounter exposes the value computed at Finalize, mainly
// for tests and diagnostics.
func (d *Domain) ExpectedWorkingCounter() uint16 { return d.expectedWorkingCounter }

// Size returns the domain's buffer length in bytes.
func (d *Domain) Size() int { return len(d.data) }
