package gadget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbssp/device"
	"github.com/ardnew/usbssp/device/hal"
)

// configured returns a bench in the configured state and its interrupt IN
// endpoint.
func configured(t *testing.T) (*bench, *device.Endpoint) {
	t.Helper()
	b := newBench(t)
	b.enumerate(t, hal.SpeedHigh)
	require.NoError(t, b.setConfiguration(t, 1))
	eps := b.f.Endpoints()
	require.Len(t, eps, 3)
	require.Equal(t, uint8(0x83), eps[2].Address())
	return b, eps[2]
}

func TestTransfer(t *testing.T) {
	b, ep := configured(t)

	n, err := Transfer(testContext(t), b.c, ep, []byte("notify"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	got, err := b.h.HostReceive(testContext(t), 0x83)
	require.NoError(t, err)
	assert.Equal(t, []byte("notify"), got)
}

func TestTransferCancelled(t *testing.T) {
	b, ep := configured(t)
	require.NoError(t, b.h.Hold(0x83, true))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	n, err := Transfer(ctx, b.c, ep, []byte("never"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, n)

	require.NoError(t, b.h.Hold(0x83, false))
	n, err = Transfer(testContext(t), b.c, ep, []byte("next"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	got, err := b.h.HostReceive(testContext(t), 0x83)
	require.NoError(t, err)
	assert.Equal(t, []byte("next"), got, "cancelled data never sent")
}

func TestCompositeDescriptors(t *testing.T) {
	cfg := testConfig()
	cfg.Interfaces[0].Descriptors = []byte{4, 0x24, 0x01, 0x00}
	cfg.Interfaces = append(cfg.Interfaces, Interface{Class: ClassVendor})
	cfg.Associations = []Association{{First: 0, Count: 2, Class: ClassVendor, Name: "pair"}}

	b := newBenchWith(t, cfg)
	b.enumerate(t, hal.SpeedHigh)

	dev := b.getDescriptor(t, DescriptorTypeDevice, 0, DeviceDescriptorSize)
	assert.Equal(t, []byte{ClassMisc, 0x02, 0x01}, dev[4:7])

	conf := b.getDescriptor(t, DescriptorTypeConfiguration, 0, 255)
	require.Len(t, conf, 60)
	assert.Equal(t, byte(2), conf[4], "interfaces")
	assert.Equal(t, []byte{IADSize, DescriptorTypeInterfaceAssociation, 0, 2, ClassVendor}, conf[9:14])
	assert.Equal(t, byte(DescriptorTypeInterface), conf[18])
	assert.Equal(t, []byte{4, 0x24, 0x01, 0x00}, conf[26:30], "class descriptors after the interface")
	assert.Equal(t, byte(DescriptorTypeEndpoint), conf[31])
	assert.Equal(t, []byte{9, DescriptorTypeInterface, 1, 0, 0, ClassVendor}, conf[51:57])

	name := conf[16]
	require.NotZero(t, name, "association string")
	str := b.getDescriptor(t, DescriptorTypeString, name, 255)
	assert.Equal(t, []byte{10, DescriptorTypeString, 'p', 0, 'a', 0, 'i', 0, 'r', 0}, str)
}
