package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ec "github.com/gosoem/master"
	"github.com/gosoem/master/pkg/datagram"
	"github.com/gosoem/master/pkg/slave"
)

func configWithPDO() (*slave.SlaveConfig, *slave.Slave) {
	cfg := slave.NewSlaveConfig(0, 1, 0x1, 0x2)
	s := &slave.Slave{
		RxPDOs: []slave.PDO{{Dir: slave.Output, Index: 0x1600, SyncIndex: 2, Entries: []slave.PDOEntry{
			{Index: 0x7000, Subindex: 0x01, BitLength: 16},
		}}},
		TxPDOs: []slave.PDO{{Dir: slave.Input, Index: 0x1A00, SyncIndex: 3, Entries: []slave.PDOEntry{
			{Index: 0x6000, Subindex: 0x01, BitLength: 8},
		}}},
	}
	_ = cfg.Attach(s)
	return cfg, s
}

func TestRegPdoEntryAllocatesSequentialOffsets(t *testing.T) {
	cfg, _ := configWithPDO()
	d := New(0)

	off1, err := d.RegPdoEntry(cfg, 0x7000, 0x01)
	require.NoError(t, err)
	assert.Equal(t, 0, off1)

	off2, err := d.RegPdoEntry(cfg, 0x6000, 0x01)
	require.NoError(t, err)
	assert.Equal(t, 2, off2)
	assert.Equal(t, 3, d.Size())
}

func TestRegPdoEntryUnknownFails(t *testing.T) {
	cfg, _ := configWithPDO()
	d := New(0)
	_, err := d.RegPdoEntry(cfg, 0x9999, 0x00)
	assert.ErrorIs(t, err, ec.ErrPdoEntryNotFound)
}

func TestRegPdoEntryRejectsNonByteAligned(t *testing.T) {
	cfg := slave.NewSlaveConfig(0, 1, 0, 0)
	s := &slave.Slave{RxPDOs: []slave.PDO{{Dir: slave.Output, Entries: []slave.PDOEntry{
		{Index: 0x7000, Subindex: 0x01, BitLength: 3},
	}}}}
	require.NoError(t, cfg.Attach(s))
	d := New(0)
	_, err := d.RegPdoEntry(cfg, 0x7000, 0x01)
	assert.ErrorIs(t, err, ec.ErrPdoEntryNotByteAligned)
}

func TestFinalizeComputesExpectedWorkingCounter(t *testing.T) {
	cfg, _ := configWithPDO()
	d := New(0)
	_, err := d.RegPdoEntry(cfg, 0x7000, 0x01)
	require.NoError(t, err)
	_, err = d.RegPdoEntry(cfg, 0x6000, 0x01)
	require.NoError(t, err)

	require.NoError(t, d.Finalize(0x10000))
	// one slave contributing both directions counts once, as read/write (3).
	assert.EqualValues(t, 3, d.ExpectedWorkingCounter())
}

func TestFinalizeSingleDirectionConfigIsNotCountedAsMixed(t *testing.T) {
	cfg, _ := configWithPDO()
	d := New(0)
	_, err := d.RegPdoEntry(cfg, 0x6000, 0x01) // input-only (TxPDO)
	require.NoError(t, err)

	require.NoError(t, d.Finalize(0x10000))
	// a single input-only FMMU contributes 1, not 1+3 (§8 scenario 4).
	assert.EqualValues(t, 1, d.ExpectedWorkingCounter())
}

func TestProcessClassifiesWorkingCounterState(t *testing.T) {
	cfg, _ := configWithPDO()
	d := New(0)
	_, err := d.RegPdoEntry(cfg, 0x7000, 0x01)
	require.NoError(t, err)
	require.NoError(t, d.Finalize(0x10000))

	d.datagrams[0].WorkingCounter = 0
	d.datagrams[0].State = datagram.Received
	d.Process()
	wc, state := d.WorkingCounterState()
	assert.EqualValues(t, 0, wc)
	assert.Equal(t, Zero, state)

	d.datagrams[0].WorkingCounter = d.ExpectedWorkingCounter()
	d.Process()
	wc, state = d.WorkingCounterState()
	assert.Equal(t, d.ExpectedWorkingCounter(), wc)
	assert.Equal(t, Complete, state)
}
