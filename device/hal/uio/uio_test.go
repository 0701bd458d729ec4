//go:build linux

package uio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/pkg"
)

// fakeSysfs lays out /sys/class/uio entries under a temporary root.
func fakeSysfs(t *testing.T, devs map[string]string) {
	t.Helper()
	root := t.TempDir()
	oldSys, oldDev := sysfsRoot, devRoot
	sysfsRoot, devRoot = filepath.Join(root, "sys"), filepath.Join(root, "dev")
	t.Cleanup(func() { sysfsRoot, devRoot = oldSys, oldDev })
	require.NoError(t, os.MkdirAll(sysfsRoot, 0o755))

	for node, name := range devs {
		dir := filepath.Join(sysfsRoot, node)
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "maps", "map0"), 0o755))
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "maps", "map1"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "name"), []byte(name+"\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "maps", "map0", "size"), []byte("0x00100000\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "maps", "map1", "size"), []byte("0x0\n"), 0o644))
	}
}

func TestFindNode(t *testing.T) {
	fakeSysfs(t, map[string]string{"uio0": "gpio-ctl", "uio1": "dwc3-device"})

	n, err := findNode("dwc3-device", 0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(devRoot, "uio1"), n.dev)
	assert.Equal(t, "dwc3-device", n.name)
	assert.Equal(t, 1<<20, n.mapSize)

	n, err = findNode("uio0", 0)
	require.NoError(t, err)
	assert.Equal(t, "gpio-ctl", n.name)

	_, err = findNode("uio1", 1)
	assert.ErrorIs(t, err, pkg.ErrNoDevice)
	_, err = findNode("uio1", 2)
	assert.Error(t, err)
	_, err = findNode("cdns3", 0)
	assert.ErrorIs(t, err, pkg.ErrNotFound)
}

func TestOpenMissing(t *testing.T) {
	fakeSysfs(t, nil)
	_, err := Open(Config{Name: "dwc3-device"})
	assert.ErrorIs(t, err, pkg.ErrNotFound)
}

func TestRegisters(t *testing.T) {
	h := &HAL{regs: make([]byte, 64)}
	h.Write32(8, 0xdeadbeef)
	assert.Equal(t, uint32(0xdeadbeef), h.Read32(8))
	assert.Equal(t, byte(0xef), h.regs[8], "little endian host")

	h.Write64(16, 0x1122_3344_5566_7788)
	assert.Equal(t, uint64(0x1122_3344_5566_7788), h.Read64(16))
	assert.Equal(t, uint32(0x5566_7788), h.Read32(16))

	assert.Equal(t, hal.Removed, h.Read32(64), "past the window")
	assert.Equal(t, hal.Removed, h.Read32(2), "unaligned")
	h.Write32(62, 1)
}

func TestAlignment(t *testing.T) {
	assert.Equal(t, 0, alignOffset(0x1000, 64))
	assert.Equal(t, 0xf000, alignOffset(0x1000, 0x10000))
	assert.Equal(t, 0, alignOffset(0x1234, 1))
	assert.Equal(t, 4096, roundUp(1, pageSize))
	assert.Equal(t, 8192, roundUp(4097, pageSize))
}

func TestAllocRejectsBadArguments(t *testing.T) {
	h := &HAL{}
	_, err := h.Alloc(0, 64)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
	_, err = h.Alloc(64, 48)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
	assert.Zero(t, h.Live())
}
