package master

import (
	"time"

	log "github.com/sirupsen/logrus"

	ec "github.com/gosoem/master"
	"github.com/gosoem/master/internal/wire"
	"github.com/gosoem/master/pkg/coe"
	"github.com/gosoem/master/pkg/datagram"
	"github.com/gosoem/master/pkg/mailbox"
	"github.com/gosoem/master/pkg/slave"
)

// newCoEMailbox binds a mailbox.Mailbox to s's SII-reported geometry,
// shared by configuration-time SDO writes and polled SdoRequests alike.
func newCoEMailbox(fm *ec.FrameManager, s *slave.Slave) *mailbox.Mailbox {
	return mailbox.New(fm, s.StationAddress, s.RxMailboxOffset, s.RxMailboxSize, s.TxMailboxOffset, s.TxMailboxSize)
}

func coeUpload(mb *mailbox.Mailbox, index uint16, subindex uint8) ([]byte, error) {
	return coe.Upload(mb, index, subindex)
}

func coeDownload(mb *mailbox.Mailbox, index uint16, subindex uint8, value []byte) error {
	return coe.Download(mb, index, subindex, value)
}

// asAbortError extracts the raw SDO abort code, if err is one.
func asAbortError(err error) (uint32, bool) {
	if ab, ok := err.(*coe.AbortError); ok {
		return ab.Code, true
	}
	return 0, false
}

// configureSlave drives s through the INIT→PREOP→SAFEOP→OP sequence and
// programs its tables from cfg (§4.11). Each step uses the bounded
// SimpleIO helper; the whole sequence runs to completion within one
// background-context call since configuration never shares the bus with
// realtime traffic (§5).
func (m *Master) configureSlave(s *slave.Slave, cfg *slave.SlaveConfig) error {
	log.WithField("station", s.StationAddress).Info("[MASTER] configuring slave")

	if err := slave.RequestState(m.fm, s.StationAddress, ec.StateInit); err != nil {
		return err
	}

	if err := m.zeroTables(s); err != nil {
		return err
	}
	if err := m.programSyncManagers(s, cfg); err != nil {
		return err
	}

	if err := slave.RequestState(m.fm, s.StationAddress, ec.StatePreOp); err != nil {
		return err
	}

	if s.SupportsCoE() {
		mb := newCoEMailbox(m.fm, s)
		for _, entry := range cfg.SdoConfigs() {
			if err := coe.Download(mb, entry.Index, entry.Subindex, entry.Data); err != nil {
				return err
			}
		}
		// Entries applied here must not be replayed by ProcessSdoConfig's
		// late-joining-write path (§4.13).
		cfg.MarkSdoConfigsApplied()
	}

	if err := m.programPdoAssignment(s, cfg); err != nil {
		return err
	}
	if err := m.programFMMUs(s, cfg); err != nil {
		return err
	}
	if err := m.programDC(s, cfg); err != nil {
		return err
	}

	if err := slave.RequestState(m.fm, s.StationAddress, ec.StateSafeOp); err != nil {
		return err
	}
	if err := slave.RequestState(m.fm, s.StationAddress, ec.StateOp); err != nil {
		return err
	}

	log.WithField("station", s.StationAddress).Info("[MASTER] slave reached OP")
	return nil
}

// zeroTables clears the FMMU and sync-manager register ranges before
// reprogramming them, matching the original master's "always start from a
// known-clear state" convention.
func (m *Master) zeroTables(s *slave.Slave) error {
	zero := make([]byte, ec.RegFMMUSize*ec.RegFMMUCount)
	d := datagram.New(datagram.NPWR)
	d.InitNPWR(s.StationAddress, ec.RegFMMUBase, len(zero))
	if err := m.fm.SimpleIO(d, 100*time.Millisecond); err != nil {
		return err
	}
	zero = make([]byte, ec.RegSMSize*ec.RegSMCount)
	d2 := datagram.New(datagram.NPWR)
	d2.InitNPWR(s.StationAddress, ec.RegSMBase, len(zero))
	return m.fm.SimpleIO(d2, 100*time.Millisecond)
}

// programSyncManagers writes the mailbox sync managers (SM0/SM1) from the
// slave's own SII geometry, independent of the user's PDO sync-manager
// declarations (§4.11 step "mailbox SM programming").
func (m *Master) programSyncManagers(s *slave.Slave, cfg *slave.SlaveConfig) error {
	if s.RxMailboxSize == 0 {
		return nil
	}
	sm0 := make([]byte, ec.RegSMSize)
	wire.WriteU16(sm0, 0, s.RxMailboxOffset)
	wire.WriteU16(sm0, 2, s.RxMailboxSize)
	wire.WriteU8(sm0, 4, 0x26) // control: mailbox write
	wire.WriteU8(sm0, 6, 0x01) // enable
	d := datagram.New(datagram.NPWR)
	d.InitNPWR(s.StationAddress, ec.RegSMBase, len(sm0))
	copy(d.Data, sm0)
	if err := m.fm.SimpleIO(d, 100*time.Millisecond); err != nil {
		return err
	}

	if s.TxMailboxSize == 0 {
		return nil
	}
	sm1 := make([]byte, ec.RegSMSize)
	wire.WriteU16(sm1, 0, s.TxMailboxOffset)
	wire.WriteU16(sm1, 2, s.TxMailboxSize)
	wire.WriteU8(sm1, 4, 0x22) // control: mailbox read
	wire.WriteU8(sm1, 6, 0x01)
	d2 := datagram.New(datagram.NPWR)
	d2.InitNPWR(s.StationAddress, ec.RegSMBase+ec.RegSMSize, len(sm1))
	copy(d2.Data, sm1)
	return m.fm.SimpleIO(d2, 100*time.Millisecond)
}

// programPdoAssignment writes 0x1C12/0x1C13 (RxPDO/TxPDO assignment) for
// every sync manager the config declared a non-empty PdoAssign for (§4.11
// step "PDO assignment/mapping application").
func (m *Master) programPdoAssignment(s *slave.Slave, cfg *slave.SlaveConfig) error {
	if !s.SupportsCoE() {
		return nil
	}
	mb := newCoEMailbox(m.fm, s)
	for syncIndex, sc := range cfg.SyncConfigs {
		if len(sc.PdoAssign) == 0 {
			continue
		}
		assignIndex := uint16(0x1C10 + syncIndex)
		// sub0 = count, then one subindex per assigned PDO index.
		if err := coe.Download(mb, assignIndex, 0x00, []byte{0}); err != nil {
			return err
		}
		for i, pdoIndex := range sc.PdoAssign {
			val := []byte{byte(pdoIndex), byte(pdoIndex >> 8)}
			if err := coe.Download(mb, assignIndex, uint8(i+1), val); err != nil {
				return err
			}
		}
		if err := coe.Download(mb, assignIndex, 0x00, []byte{byte(len(sc.PdoAssign))}); err != nil {
			return err
		}
	}
	return nil
}

// programFMMUs writes the config's declared FMMU entries (§4.11 step
// "FMMU... table"); with none declared it writes nothing.
func (m *Master) programFMMUs(s *slave.Slave, cfg *slave.SlaveConfig) error {
	entries := cfg.FmmuConfigs
	if len(entries) == 0 {
		return nil
	}
	for i, e := range entries {
		if i >= ec.RegFMMUCount {
			break
		}
		buf := make([]byte, ec.RegFMMUSize)
		wire.WriteU32(buf, 0, e.LogicalStart)
		wire.WriteU16(buf, 4, e.Length)
		wire.WriteU8(buf, 6, e.LogStartBit)
		wire.WriteU8(buf, 7, e.LogEndBit)
		wire.WriteU16(buf, 8, e.PhysStart)
		wire.WriteU8(buf, 10, e.PhysStartBit)
		dir := uint8(2)
		if e.Dir == slave.SMOutput {
			dir = 1
		}
		wire.WriteU8(buf, 11, dir)
		if e.Enable {
			wire.WriteU8(buf, 12, 0x01)
		}
		d := datagram.New(datagram.NPWR)
		d.InitNPWR(s.StationAddress, ec.RegFMMUBase+uint16(i)*ec.RegFMMUSize, len(buf))
		copy(d.Data, buf)
		if err := m.fm.SimpleIO(d, 100*time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

// programDC writes the distributed-clock AssignActivate word and up to two
// SYNC signal programs, if the config declared them (§4.11 step "DC
// AssignActivate/SYNC programming").
func (m *Master) programDC(s *slave.Slave, cfg *slave.SlaveConfig) error {
	if cfg.DCAssignActivate == 0 {
		return nil
	}
	d := datagram.New(datagram.NPWR)
	d.InitNPWR(s.StationAddress, ec.RegDCAssignActivate, 2)
	wire.WriteU16(d.Data, 0, cfg.DCAssignActivate)
	if err := m.fm.SimpleIO(d, 100*time.Millisecond); err != nil {
		return err
	}

	buf := make([]byte, 16)
	wire.WriteU32(buf, 4, uint32(cfg.DCSyncSignals[0].CycleTimeNs))
	wire.WriteU32(buf, 8, uint32(cfg.DCSyncSignals[1].CycleTimeNs))
	wire.WriteU32(buf, 12, uint32(cfg.DCSyncSignals[0].ShiftTimeNs))
	d2 := datagram.New(datagram.NPWR)
	d2.InitNPWR(s.StationAddress, ec.RegDCSyncBase, len(buf))
	copy(d2.Data, buf)
	return m.fm.SimpleIO(d2, 100*time.Millisecond)
}
