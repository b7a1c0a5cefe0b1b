package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
[master]
interface = eth1
cycle = 2ms
background = 20ms
index = 3

[slave "drive1"]
position = 0
alias = 0
vendor_id = 0x55
product_code = 0x66
sdo0 = 6060:00:1=0x08
sdo1 = 6040:00:2=0x06
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "master.ini")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	return path
}

func TestLoadFileParsesMasterSection(t *testing.T) {
	cfg, err := LoadFile(writeSample(t))
	require.NoError(t, err)
	assert.Equal(t, "eth1", cfg.Interface)
	assert.Equal(t, 2_000_000, int(cfg.CyclePeriod.Nanoseconds()))
	assert.Equal(t, 3, cfg.MasterIndex)
}

func TestLoadFileParsesSlaveSectionAndSdos(t *testing.T) {
	cfg, err := LoadFile(writeSample(t))
	require.NoError(t, err)
	require.Len(t, cfg.Slaves, 1)

	s := cfg.Slaves[0]
	assert.Equal(t, "drive1", s.Name)
	assert.Equal(t, uint32(0x55), s.VendorID)
	assert.Equal(t, uint32(0x66), s.ProductCode)
	require.Len(t, s.Sdos, 2)
	assert.Equal(t, SdoEntry{Index: 0x6060, Subindex: 0x00, Value: 0x08, Size: 1}, s.Sdos[0])
	assert.Equal(t, SdoEntry{Index: 0x6040, Subindex: 0x00, Value: 0x06, Size: 2}, s.Sdos[1])
}

func TestLoadFileDefaultsWhenMasterSectionOmitsKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.ini")
	require.NoError(t, os.WriteFile(path, []byte("[master]\n"), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "eth0", cfg.Interface)
	assert.Empty(t, cfg.Slaves)
}

func TestBuildSlaveConfigAppliesSdoEntries(t *testing.T) {
	cfg, err := LoadFile(writeSample(t))
	require.NoError(t, err)
	sc := cfg.Slaves[0].BuildSlaveConfig()
	assert.Equal(t, 0, sc.Position)
	assert.Len(t, sc.SdoConfigs(), 2)
}
