//go:build linux

package uio

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ardnew/usbssp/pkg"
)

var (
	sysfsRoot = "/sys/class/uio"
	devRoot   = "/dev"
)

// node is a UIO device found in sysfs.
type node struct {
	dev     string // device node path
	name    string // name the platform driver gave the device
	mapSize int    // size of the selected memory map
}

// findNode returns the UIO device whose sysfs name or node name is name,
// with the size of memory map index.
func findNode(name string, index int) (node, error) {
	entries, err := os.ReadDir(sysfsRoot)
	if err != nil {
		return node{}, fmt.Errorf("scan %s: %w", sysfsRoot, err)
	}
	for _, entry := range entries {
		dir := filepath.Join(sysfsRoot, entry.Name())
		devName, err := readSysfsString(filepath.Join(dir, "name"))
		if err != nil {
			continue
		}
		if entry.Name() != name && devName != name {
			continue
		}
		size, err := readSysfsHex(filepath.Join(dir, "maps", fmt.Sprintf("map%d", index), "size"))
		if err != nil {
			return node{}, fmt.Errorf("uio %s map %d: %w", entry.Name(), index, err)
		}
		if size == 0 {
			return node{}, fmt.Errorf("uio %s map %d: empty: %w", entry.Name(), index, pkg.ErrNoDevice)
		}
		return node{
			dev:     filepath.Join(devRoot, entry.Name()),
			name:    devName,
			mapSize: int(size),
		}, nil
	}
	return node{}, fmt.Errorf("uio device %q: %w", name, pkg.ErrNotFound)
}

// readSysfsString reads a string from a sysfs attribute file.
func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readSysfsHex reads a hexadecimal value, with or without a 0x prefix.
func readSysfsHex(path string) (uint64, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}
