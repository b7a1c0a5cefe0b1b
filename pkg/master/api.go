package master

import (
	"sync"
	"time"

	ec "github.com/gosoem/master"
	"github.com/gosoem/master/pkg/domain"
	"github.com/gosoem/master/pkg/slave"
)

// registry holds every constructed Master, indexed the way the original
// master module indexes by "master index" for request_master (§4.14).
var (
	registryMu sync.Mutex
	registry   = map[int]*Master{}
)

// Register makes m reachable via RequestMaster(index). Call once per
// constructed Master, typically right after New.
func Register(index int, m *Master) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[index] = m
}

// RequestMaster reserves the master at index for exclusive use (§4.14).
func RequestMaster(index int) (*Master, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	m, ok := registry[index]
	if !ok {
		return nil, ec.ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reserved {
		return nil, ec.ErrBusy
	}
	m.reserved = true
	return m, nil
}

// ReleaseMaster detaches every config, frees internally allocated domain
// buffers, and returns the master to PhaseIdle. Idempotent (§4.14).
func (m *Master) ReleaseMaster() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs = nil
	m.domains = nil
	m.phase = PhaseIdle
	m.reserved = false
}

// CreateDomain allocates a new empty domain and returns its handle (§4.12
// "create", §4.14).
func (m *Master) CreateDomain() *domain.Domain {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := domain.New(len(m.domains))
	m.domains = append(m.domains, d)
	return d
}

// SlaveConfig creates or returns an existing config for (alias, position).
// A mismatched (vendor, product) on an existing config fails (§4.14).
func (m *Master) SlaveConfig(alias uint16, position int, vendorID, productCode uint32) (*slave.SlaveConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cfg := range m.configs {
		if cfg.Position == position && cfg.Alias == alias {
			if cfg.ExpectedVendorID != vendorID || cfg.ExpectedProductCode != productCode {
				return nil, ec.ErrInvalidSlaveAddress
			}
			return cfg, nil
		}
	}
	cfg := slave.NewSlaveConfig(alias, position, vendorID, productCode)
	m.configs = append(m.configs, cfg)
	return cfg, nil
}

// Activate freezes configuration, lays out every domain's logical base
// address contiguously, and marks the master PhaseOperation. After this
// call the cyclic caller owns Send/Receive (§4.14).
func (m *Master) Activate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var base uint32
	var total uint32
	for _, d := range m.domains {
		if err := d.Finalize(base); err != nil {
			return err
		}
		base += uint32(d.Size())
		total += uint32(d.Size())
	}
	if total > 1<<20 {
		return ec.ErrDomainTooLarge
	}
	m.phase = PhaseOperation
	return nil
}

// Send transmits every datagram queued for this cycle, including each
// domain's LRW datagram if the caller has called DomainQueue (§4.14,
// §5's "receive → domain_process → ... → domain_queue → send" contract).
func (m *Master) Send() error {
	return m.fm.Send()
}

// Receive retires stale in-flight datagrams (§4.14). Replies are matched as
// the device delivers them, through the frame manager's receive callback,
// not by this call.
func (m *Master) Receive(cycleTimeout time.Duration) {
	m.fm.CheckTimeouts(cycleTimeout)
}

// DomainQueue arms d's LRW datagram(s) for the next Send (§4.12 "queue").
func (m *Master) DomainQueue(d *domain.Domain) {
	d.Queue(m.fm)
}

// DomainProcess interprets d's last-cycle working counter (§4.12
// "process"). Call after Receive, before application logic reads d.Data().
func (m *Master) DomainProcess(d *domain.Domain) {
	d.Process()
}

// MasterStateInfo publishes {slaves_responding, al_states, link_up}
// (§4.14 "master_state").
type MasterStateInfo struct {
	SlavesResponding int
	ALStates         []ec.ALState
	LinkUp           bool
}

// MasterState reports the master's last-observed bus state.
func (m *Master) MasterState() MasterStateInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := make([]ec.ALState, len(m.slaves))
	for i, s := range m.slaves {
		states[i] = s.CurrentState
	}
	return MasterStateInfo{
		SlavesResponding: m.lastResponderCount,
		ALStates:         states,
		LinkUp:           m.linkUp,
	}
}

// Phase reports the master's current lifecycle phase.
func (m *Master) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}
