package slave

import ec "github.com/gosoem/master"

// SdoState is an SdoRequest's lifecycle (§3).
type SdoState uint8

const (
	SdoComplete SdoState = iota
	SdoQueued
	SdoBusy
	SdoSuccess
	SdoFailure
)

// SdoDirection distinguishes a configuration read from a write.
type SdoDirection uint8

const (
	SdoRead SdoDirection = iota
	SdoWrite
)

// SdoRequest is a user-facing handle to one in-flight SDO transfer (§3).
// Its state is advanced only by the master FSM; the application polls it.
type SdoRequest struct {
	Index     uint16
	Subindex  uint8
	Data      []byte
	MemSize   int
	DataSize  int
	State     SdoState
	AbortCode uint32
	Timeout   int
	Direction SdoDirection
}

// sdoConfigEntry is one ordered, fire-and-forget SDO write applied during
// slave configuration (§4.11 step 5), as opposed to an SdoRequest which the
// realtime application creates and polls.
type sdoConfigEntry struct {
	Index    uint16
	Subindex uint8
	Data     []byte
	applied  bool
}

// SIIRequest is a user-facing handle to one in-flight SII word write (§3
// Master's "sii_requests"), mirroring SdoRequest's poll-to-completion
// model.
type SIIRequest struct {
	Offset uint16
	Value  uint16
	State  SdoState
}

// RegRequest is a user-facing handle to one in-flight raw register
// read/write (§3 Master's "reg_requests").
type RegRequest struct {
	Address   uint16
	Data      []byte
	Direction SdoDirection
	State     SdoState
}

// SyncConfig is one of the up to 8 sync-manager configurations a
// SlaveConfig may declare (§3).
type SyncConfig struct {
	Dir       SyncManagerDirection
	Watchdog  bool
	PdoAssign []uint16 // PDO indices assigned to this sync manager
}

// DCSyncSignal is one of the two configurable distributed-clock SYNC
// signals (§4.11 step 8).
type DCSyncSignal struct {
	CycleTimeNs int64
	ShiftTimeNs int64
}

// SlaveConfig is a user-declared expected slave, valid independent of the
// physical slave's presence (§3 "offline configuration").
type SlaveConfig struct {
	Alias              uint16
	Position           int
	ExpectedVendorID   uint32
	ExpectedProductCode uint32

	SyncConfigs [8]SyncConfig
	FmmuConfigs []FMMUEntry
	sdoConfigs  []sdoConfigEntry
	sdoRequests []*SdoRequest
	siiRequests []*SIIRequest
	regRequests []*RegRequest

	DCAssignActivate uint16
	DCSyncSignals    [2]DCSyncSignal

	attached *Slave // nil until a physical scan matches alias/position
}

// NewSlaveConfig declares an expected slave at (alias, position), mirroring
// ecrt_master_slave_config's identity arguments.
func NewSlaveConfig(alias uint16, position int, vendorID, productCode uint32) *SlaveConfig {
	return &SlaveConfig{
		Alias:               alias,
		Position:            position,
		ExpectedVendorID:    vendorID,
		ExpectedProductCode: productCode,
	}
}

// Sdo appends an ordered configuration SDO write, applied once during
// PREOP bring-up (§4.11 step 5). Returns the config for chaining.
func (c *SlaveConfig) Sdo(index uint16, subindex uint8, data []byte) *SlaveConfig {
	cp := make([]byte, len(data))
	copy(cp, data)
	c.sdoConfigs = append(c.sdoConfigs, sdoConfigEntry{Index: index, Subindex: subindex, Data: cp})
	return c
}

// Sdo8/16/32 are sized convenience wrappers applying little-endian
// correction, matching the public API's sdo8/16/32 operations.
func (c *SlaveConfig) Sdo8(index uint16, subindex uint8, v uint8) *SlaveConfig {
	return c.Sdo(index, subindex, []byte{v})
}

func (c *SlaveConfig) Sdo16(index uint16, subindex uint8, v uint16) *SlaveConfig {
	return c.Sdo(index, subindex, []byte{byte(v), byte(v >> 8)})
}

func (c *SlaveConfig) Sdo32(index uint16, subindex uint8, v uint32) *SlaveConfig {
	return c.Sdo(index, subindex, []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

// SdoConfigs exposes the ordered configuration SDO list for the config
// sub-FSM to apply.
func (c *SlaveConfig) SdoConfigs() []sdoConfigEntry { return c.sdoConfigs }

// MarkSdoConfigsApplied flags every currently-declared configuration SDO as
// applied, called once §4.11 step 5 has pushed the full list so a later
// ProcessSdoConfig visit does not replay it.
func (c *SlaveConfig) MarkSdoConfigsApplied() {
	for i := range c.sdoConfigs {
		c.sdoConfigs[i].applied = true
	}
}

// PopSdoConfig returns the oldest not-yet-applied configuration SDO entry,
// or ok=false, for ProcessSdoConfig's late-joining-write path (§4.13
// "ProcessSdoConfig": entries declared via Sdo() after the slave already
// reached self_configured).
func (c *SlaveConfig) PopSdoConfig() (index uint16, subindex uint8, data []byte, ok bool) {
	for i := range c.sdoConfigs {
		if !c.sdoConfigs[i].applied {
			c.sdoConfigs[i].applied = true
			return c.sdoConfigs[i].Index, c.sdoConfigs[i].Subindex, c.sdoConfigs[i].Data, true
		}
	}
	return 0, 0, nil, false
}

// PdoAssign declares that syncIndex carries the given PDO indices, applied
// to 0x1C1x during configuration if non-empty (§4.11 step 6).
func (c *SlaveConfig) PdoAssign(syncIndex uint8, dir SyncManagerDirection, pdoIndices ...uint16) *SlaveConfig {
	c.SyncConfigs[syncIndex].Dir = dir
	c.SyncConfigs[syncIndex].PdoAssign = pdoIndices
	return c
}

// Dc declares the distributed-clock AssignActivate word and up to two SYNC
// signal programs (§4.11 step 8).
func (c *SlaveConfig) Dc(assignActivate uint16, sync0, sync1 DCSyncSignal) *SlaveConfig {
	c.DCAssignActivate = assignActivate
	c.DCSyncSignals = [2]DCSyncSignal{sync0, sync1}
	return c
}

// CreateSdoRequest allocates a polled SdoRequest attached to this config,
// queued for the master FSM's ProcessSdo step.
func (c *SlaveConfig) CreateSdoRequest(index uint16, subindex uint8, memSize int, dir SdoDirection) *SdoRequest {
	req := &SdoRequest{Index: index, Subindex: subindex, Data: make([]byte, memSize), MemSize: memSize, Direction: dir, State: SdoQueued}
	c.sdoRequests = append(c.sdoRequests, req)
	return req
}

// PopSdoRequest removes and returns the oldest Queued SdoRequest, or nil,
// for ProcessSdo (§4.13 "ProcessSdo": bounded to one request per visit).
func (c *SlaveConfig) PopSdoRequest() *SdoRequest {
	for i, req := range c.sdoRequests {
		if req.State == SdoQueued {
			c.sdoRequests = append(c.sdoRequests[:i], c.sdoRequests[i+1:]...)
			return req
		}
	}
	return nil
}

// CreateSIIRequest queues an SII word write against this config's attached
// slave (§3 Master's "sii_requests"), mirroring SdoRequest's
// poll-to-completion model.
func (c *SlaveConfig) CreateSIIRequest(offset uint16, value uint16) *SIIRequest {
	req := &SIIRequest{Offset: offset, Value: value, State: SdoQueued}
	c.siiRequests = append(c.siiRequests, req)
	return req
}

// PopSIIRequest removes and returns the oldest Queued SIIRequest, or nil,
// for ProcessSii (§4.13 "ProcessSii": bounded to one request per visit).
func (c *SlaveConfig) PopSIIRequest() *SIIRequest {
	for i, req := range c.siiRequests {
		if req.State == SdoQueued {
			c.siiRequests = append(c.siiRequests[:i], c.siiRequests[i+1:]...)
			return req
		}
	}
	return nil
}

// CreateRegRequest queues a raw register read or write against this config's
// attached slave (§3 Master's "reg_requests").
func (c *SlaveConfig) CreateRegRequest(address uint16, data []byte, dir SdoDirection) *RegRequest {
	cp := make([]byte, len(data))
	copy(cp, data)
	req := &RegRequest{Address: address, Data: cp, Direction: dir, State: SdoQueued}
	c.regRequests = append(c.regRequests, req)
	return req
}

// PopRegRequest removes and returns the oldest Queued RegRequest, or nil,
// for ProcessReg (§4.13 "ProcessReg": bounded to one request per visit).
func (c *SlaveConfig) PopRegRequest() *RegRequest {
	for i, req := range c.regRequests {
		if req.State == SdoQueued {
			c.regRequests = append(c.regRequests[:i], c.regRequests[i+1:]...)
			return req
		}
	}
	return nil
}

// Attach binds this config to a physically discovered slave. The first
// declaration wins on conflict (§3 invariant); Attach returns
// ErrConfigConflict if already attached to a different slave.
func (c *SlaveConfig) Attach(s *Slave) error {
	if c.attached != nil && c.attached != s {
		return ec.ErrConfigConflict
	}
	c.attached = s
	return nil
}

// Attached returns the physical slave bound to this config, or nil if the
// config is still offline.
func (c *SlaveConfig) Attached() *Slave { return c.attached }
