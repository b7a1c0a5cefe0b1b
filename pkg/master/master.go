// Package master implements the top-level cooperative master FSM (§4.13)
// and the public realtime API (§4.14) built on top of it.
//
// Grounded on the teacher's pkg/network.Network (the single object owning
// every node/controller and acting as scheduler) and pkg/node's
// NodeProcessor (background/main ticker loop, reset handling) — reshaped
// from a goroutine-driven NMT stack into the strictly cooperative,
// step-function scheduler this domain's realtime constraints require.
package master

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	ec "github.com/gosoem/master"
	"github.com/gosoem/master/internal/wire"
	"github.com/gosoem/master/pkg/coe"
	"github.com/gosoem/master/pkg/datagram"
	"github.com/gosoem/master/pkg/domain"
	"github.com/gosoem/master/pkg/scan"
	"github.com/gosoem/master/pkg/sii"
	"github.com/gosoem/master/pkg/slave"
)

// Phase is the master's lifecycle phase (§4.14 "activate").
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseConfiguration
	PhaseOperation
)

// fsmState names one step of the cooperative scheduler (§4.13).
type fsmState uint8

const (
	stStart fsmState = iota
	stBroadcast
	stClearAddresses
	stScanSlaves
	stReadStates
	stProcessConfigure
	stProcessSdoExternal
	stProcessSdoConfig
	stProcessSii
	stSdoDict
	stEnd
)

// scanRetryLimit bounds the sub-FSM-level retry described in §7
// ("transient datagram timeouts are retried a small bounded number of
// times, e.g. 3").
const scanRetryLimit = 3

// sdoDictMinDelay is the minimum time after a slave enters PREOP before the
// background loop attempts its one-shot SdoDict fetch (§4.13 "SdoDict").
const sdoDictMinDelay = 50 * time.Millisecond

// Policy holds overridable knobs resolving spec.md's open questions into
// concrete, application-settable behaviour.
type Policy struct {
	// FailOnAddressClearMismatch controls what happens when a freshly
	// scanned slave's (alias, position) conflicts with an already-attached
	// config (§4.11 precondition). Default false mirrors the warn-and-
	// continue behaviour of address-clear mismatches; set true to instead
	// mark the slave errored and skip its configuration.
	FailOnAddressClearMismatch bool
}

// Master owns every slave, config, domain, and the frame transport for one
// EtherCAT segment (§3).
type Master struct {
	mu sync.Mutex

	fm *ec.FrameManager

	Policy Policy

	slaves  []*slave.Slave
	configs []*slave.SlaveConfig
	domains []*domain.Domain

	state              fsmState
	lastResponderCount int
	lastALStatus       uint8
	linkUp             bool

	configuring map[int]bool // ring positions currently running §4.11

	phase    Phase
	reserved bool
}

// New creates a Master bound to fm, idle until RequestMaster reserves it.
func New(fm *ec.FrameManager) *Master {
	return &Master{fm: fm, configuring: map[int]bool{}}
}

// Round runs exactly one step of the cooperative scheduler (§4.13). The
// background context calls this repeatedly; it never blocks for longer
// than one sub-FSM's bounded wait (bus scan/config operations use
// FrameManager.SimpleIO, per §5 "only bounded busy-wait ... during bus
// scanning").
func (m *Master) Round() error {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	switch state {
	case stStart, stBroadcast:
		return m.roundBroadcast()
	case stClearAddresses:
		return m.roundClearAddresses()
	case stScanSlaves:
		return m.roundScanSlaves()
	case stReadStates:
		return m.roundReadStates()
	case stProcessConfigure:
		return m.roundProcessConfigure()
	case stProcessSdoExternal:
		return m.roundProcessSdoExternal()
	case stProcessSdoConfig:
		return m.roundProcessSdoConfig()
	case stProcessSii:
		return m.roundProcessSii()
	case stSdoDict:
		return m.roundProcessSdoDict()
	default:
		return m.roundAdvance(stStart)
	}
}

func (m *Master) roundAdvance(next fsmState) error {
	m.mu.Lock()
	m.state = next
	m.mu.Unlock()
	return nil
}

// roundBroadcast implements §4.13's "Broadcast": BRD(0x0130, 2), summing AL
// status and counting responders. A responder-count change enters the
// topology-change path; an OR'd-status change is merely logged.
func (m *Master) roundBroadcast() error {
	d := datagram.New(datagram.BRD)
	d.InitBRD(ec.RegALStatus, 2)
	// A BRD on an empty bus still completes (zero responders); its error is
	// not retried here, the responder count itself carries the signal.
	_ = m.fm.SimpleIO(d, 100*time.Millisecond)
	responders := int(d.WorkingCounter)
	status := uint8(wire.ReadU16(d.Data, 0))

	m.mu.Lock()
	topologyChanged := responders != m.lastResponderCount
	statusChanged := status != m.lastALStatus
	m.lastResponderCount = responders
	m.lastALStatus = status
	m.linkUp = responders > 0
	m.mu.Unlock()

	if statusChanged {
		log.WithField("al_status", status).Debug("[MASTER] broadcast AL status changed")
	}
	if topologyChanged {
		log.WithField("responders", responders).Info("[MASTER] topology change detected")
		return m.roundAdvance(stClearAddresses)
	}
	return m.roundAdvance(stReadStates)
}

// roundClearAddresses implements §4.13's "ClearAddresses": BWR(0x0010,
// 0x0000, 2) to all slaves, then proceeds to a full rescan.
func (m *Master) roundClearAddresses() error {
	d := datagram.New(datagram.BWR)
	d.InitBWR(ec.RegStationAddress, 2)
	_ = m.fm.SimpleIO(d, 100*time.Millisecond)
	return m.roundAdvance(stScanSlaves)
}

// roundScanSlaves implements §4.13's "ScanSlaves": run §4.10 per slave in
// ring order, serially, for as many responders as the last broadcast saw.
func (m *Master) roundScanSlaves() error {
	m.mu.Lock()
	count := m.lastResponderCount
	m.mu.Unlock()

	discovered := make([]*slave.Slave, 0, count)
	for pos := 0; pos < count; pos++ {
		s, err := scan.Scan(m.fm, pos)
		if err != nil {
			log.WithFields(log.Fields{"position": pos, "error": err}).Warn("[MASTER] scan failed for ring position")
			continue
		}
		discovered = append(discovered, s)
	}

	m.mu.Lock()
	m.slaves = discovered
	m.configuring = map[int]bool{}
	m.attachConfigsLocked()
	m.mu.Unlock()

	return m.roundAdvance(stReadStates)
}

// attachConfigsLocked matches every declared SlaveConfig to a freshly
// scanned Slave by (alias, position), mirroring §4.11's precondition.
// Callers must hold m.mu.
func (m *Master) attachConfigsLocked() {
	for _, cfg := range m.configs {
		for _, s := range m.slaves {
			if cfg.Position == s.RingPosition || (cfg.Alias != 0 && cfg.Alias == s.Alias) {
				if err := cfg.Attach(s); err != nil {
					if m.Policy.FailOnAddressClearMismatch {
						log.WithField("position", cfg.Position).Error("[MASTER] config conflict at attach, refusing to configure")
						s.ErrorFlag = true
					} else {
						log.WithField("position", cfg.Position).Warn("[MASTER] config conflict at attach")
					}
				}
				break
			}
		}
	}
}

// roundReadStates implements §4.13's "ReadStates": NPRD(0x0130, 2) per
// slave, marking offline slaves and acknowledging any error bit (§4.9).
func (m *Master) roundReadStates() error {
	m.mu.Lock()
	slaves := append([]*slave.Slave(nil), m.slaves...)
	m.mu.Unlock()

	for _, s := range slaves {
		d := datagram.New(datagram.NPRD)
		d.InitNPRD(s.StationAddress, ec.RegALStatus, 2)
		if err := m.fm.SimpleIO(d, 100*time.Millisecond); err != nil {
			s.ErrorFlag = true
			continue
		}
		status := uint8(wire.ReadU16(d.Data, 0))
		s.CurrentState = ec.ALState(status & ec.ALStatusMask)
		if status&ec.ALStatusError != 0 {
			log.WithField("station", s.StationAddress).Warn("[MASTER] slave signalled AL error, acknowledging")
			s.ErrorFlag = true
			ackD := datagram.New(datagram.NPWR)
			ackD.InitNPWR(s.StationAddress, ec.RegALControl, 2)
			wire.WriteU16(ackD.Data, 0, uint16(s.CurrentState)|uint16(ec.ALStatusAck))
			_ = m.fm.SimpleIO(ackD, 100*time.Millisecond)
		} else {
			s.ErrorFlag = false
		}
	}
	return m.roundAdvance(stProcessConfigure)
}

// roundProcessConfigure implements §4.13's "ProcessConfigure": selects one
// unconfigured slave with a matching attached config and runs §4.11. A
// sub-FSM failure sets the slave's error_flag and is not retried this
// round (§7).
func (m *Master) roundProcessConfigure() error {
	m.mu.Lock()
	var target *slave.SlaveConfig
	for _, cfg := range m.configs {
		s := cfg.Attached()
		if s == nil || s.ErrorFlag || s.SelfConfigured || m.configuring[s.RingPosition] {
			continue
		}
		target = cfg
		break
	}
	m.mu.Unlock()

	if target != nil {
		s := target.Attached()
		m.mu.Lock()
		m.configuring[s.RingPosition] = true
		m.mu.Unlock()
		if err := m.configureSlave(s, target); err != nil {
			log.WithFields(log.Fields{"station": s.StationAddress, "error": err}).Warn("[MASTER] configuration failed")
			s.ErrorFlag = true
		} else {
			s.SelfConfigured = true
			s.JiffiesPreop = time.Now().UnixNano()
		}
		m.mu.Lock()
		delete(m.configuring, s.RingPosition)
		m.mu.Unlock()
	}
	return m.roundAdvance(stProcessSdoExternal)
}

// roundProcessSdoExternal implements §4.13's "ProcessSdoExternal": dequeue
// the oldest queued SdoRequest across every config and run §4.7, bounded
// to one request per scheduling visit.
func (m *Master) roundProcessSdoExternal() error {
	m.mu.Lock()
	var req *slave.SdoRequest
	var owner *slave.SlaveConfig
	for _, cfg := range m.configs {
		if r := cfg.PopSdoRequest(); r != nil {
			req, owner = r, cfg
			break
		}
	}
	m.mu.Unlock()

	if req != nil {
		m.serviceSdoRequest(owner, req)
	}
	return m.roundAdvance(stProcessSdoConfig)
}

// roundProcessSdoConfig implements §4.13's "ProcessSdoConfig": applies one
// pending late-joining configuration-time SDO write per visit, for a slave
// already past §4.11 bring-up. Configuration SDOs applied during initial
// bring-up are handled inline by configureSlave, which marks them applied
// (slave.SlaveConfig.MarkSdoConfigsApplied) so this path never replays them
// — only entries added via SlaveConfig.Sdo after the slave already reached
// self_configured surface here.
func (m *Master) roundProcessSdoConfig() error {
	m.mu.Lock()
	var owner *slave.SlaveConfig
	var index uint16
	var subindex uint8
	var data []byte
	for _, cfg := range m.configs {
		s := cfg.Attached()
		if s == nil || !s.SelfConfigured {
			continue
		}
		if idx, sub, d, ok := cfg.PopSdoConfig(); ok {
			owner, index, subindex, data = cfg, idx, sub, d
			break
		}
	}
	m.mu.Unlock()

	if owner != nil {
		s := owner.Attached()
		mb := newCoEMailbox(m.fm, s)
		if err := coe.Download(mb, index, subindex, data); err != nil {
			log.WithFields(log.Fields{"station": s.StationAddress, "error": err}).Warn("[MASTER] late-joining SDO config write failed")
		}
	}
	return m.roundAdvance(stProcessSii)
}

// roundProcessSii implements §4.13's "ProcessSii / ProcessReg": dequeue the
// oldest queued SIIRequest and the oldest queued RegRequest across every
// config and service each, bounded to one of each per scheduling visit.
func (m *Master) roundProcessSii() error {
	m.mu.Lock()
	var siiReq *slave.SIIRequest
	var siiOwner *slave.SlaveConfig
	for _, cfg := range m.configs {
		if r := cfg.PopSIIRequest(); r != nil {
			siiReq, siiOwner = r, cfg
			break
		}
	}
	var regReq *slave.RegRequest
	var regOwner *slave.SlaveConfig
	for _, cfg := range m.configs {
		if r := cfg.PopRegRequest(); r != nil {
			regReq, regOwner = r, cfg
			break
		}
	}
	m.mu.Unlock()

	if siiReq != nil {
		m.serviceSIIRequest(siiOwner, siiReq)
	}
	if regReq != nil {
		m.serviceRegRequest(regOwner, regReq)
	}
	return m.roundAdvance(stSdoDict)
}

// serviceSIIRequest drives a single SII word write to completion (§4.5
// "SII word write").
func (m *Master) serviceSIIRequest(cfg *slave.SlaveConfig, req *slave.SIIRequest) {
	s := cfg.Attached()
	if s == nil {
		req.State = slave.SdoFailure
		return
	}
	req.State = slave.SdoBusy
	if err := sii.WriteWord(m.fm, s.StationAddress, req.Offset, req.Value); err != nil {
		req.State = slave.SdoFailure
		return
	}
	req.State = slave.SdoSuccess
}

// serviceRegRequest drives a single raw register read or write to
// completion (§6 "raw register" collaborator operations).
func (m *Master) serviceRegRequest(cfg *slave.SlaveConfig, req *slave.RegRequest) {
	s := cfg.Attached()
	if s == nil {
		req.State = slave.SdoFailure
		return
	}
	req.State = slave.SdoBusy

	if req.Direction == slave.SdoWrite {
		d := datagram.New(datagram.NPWR)
		d.InitNPWR(s.StationAddress, req.Address, len(req.Data))
		copy(d.Data, req.Data)
		if err := m.fm.SimpleIO(d, 100*time.Millisecond); err != nil {
			req.State = slave.SdoFailure
			return
		}
	} else {
		d := datagram.New(datagram.NPRD)
		d.InitNPRD(s.StationAddress, req.Address, len(req.Data))
		if err := m.fm.SimpleIO(d, 100*time.Millisecond); err != nil {
			req.State = slave.SdoFailure
			return
		}
		copy(req.Data, d.Data)
	}
	req.State = slave.SdoSuccess
}

// roundProcessSdoDict implements §4.13's "SdoDict": once per slave
// lifetime, for a self-configured slave that supports CoE and has been
// past its JiffiesPreop mark for at least sdoDictMinDelay, fetch its
// SDO-information dictionary while the bus is otherwise idle. Bounded to
// one slave per scheduling visit, matching every other throttled
// background-context step.
func (m *Master) roundProcessSdoDict() error {
	m.mu.Lock()
	var target *slave.Slave
	now := time.Now().UnixNano()
	for _, s := range m.slaves {
		if !s.SelfConfigured || s.DictFetched || !s.SupportsCoE() {
			continue
		}
		if now-s.JiffiesPreop < sdoDictMinDelay.Nanoseconds() {
			continue
		}
		target = s
		break
	}
	m.mu.Unlock()

	if target != nil {
		mb := newCoEMailbox(m.fm, target)
		objects, err := coe.FetchDictionary(mb)
		target.DictFetched = true
		if err != nil {
			log.WithFields(log.Fields{"station": target.StationAddress, "error": err}).Warn("[MASTER] dictionary fetch failed")
		} else {
			target.SdoDictionary = objects
		}
	}
	return m.roundAdvance(stEnd)
}

// serviceSdoRequest drains one SdoRequest to completion (bounded retries,
// §7), translating coe.AbortError into SdoFailure with the abort code
// recorded.
func (m *Master) serviceSdoRequest(cfg *slave.SlaveConfig, req *slave.SdoRequest) {
	s := cfg.Attached()
	if s == nil {
		req.State = slave.SdoFailure
		return
	}
	req.State = slave.SdoBusy
	mb := newCoEMailbox(m.fm, s)

	var err error
	for attempt := 0; attempt < scanRetryLimit; attempt++ {
		if req.Direction == slave.SdoRead {
			var data []byte
			data, err = coeUpload(mb, req.Index, req.Subindex)
			if err == nil {
				req.DataSize = copy(req.Data, data)
			}
		} else {
			err = coeDownload(mb, req.Index, req.Subindex, req.Data)
		}
		if err != ec.ErrDatagramTimedOut {
			break
		}
	}

	if err != nil {
		req.State = slave.SdoFailure
		if ab, ok := asAbortError(err); ok {
			req.AbortCode = ab
		}
		return
	}
	req.State = slave.SdoSuccess
}
