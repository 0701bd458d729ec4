package hal

// Capability register offsets, relative to the register window.
const (
	RegCapLength  = 0x00 // capability length (7:0), interface version (31:16)
	RegHCSParams1 = 0x04 // max slots (7:0), max interrupters (18:8), max ports (31:24)
	RegHCSParams2 = 0x08 // ERST max (7:4)
	RegHCCParams1 = 0x10 // context size (2), max primary stream array size (15:12)
	RegDBOff      = 0x14 // doorbell array offset
	RegRTSOff     = 0x18 // runtime register offset
)

// Operational register offsets, relative to the capability length.
const (
	RegUSBCmd   = 0x00
	RegUSBSts   = 0x04
	RegPageSize = 0x08
	RegDNCtrl   = 0x14
	RegCRCR     = 0x18 // 64-bit command ring control
	RegDCBAAP   = 0x30 // 64-bit device context base address array pointer
	RegConfig   = 0x38
	RegPortSC   = 0x400 // first port status and control register
	PortSetSize = 0x10  // stride between port register sets
)

// Runtime register offsets. Interrupter sets start at RegIR0 and are
// InterrupterSize bytes apart.
const (
	RegMFIndex      = 0x00
	RegIR0          = 0x20
	InterrupterSize = 0x20

	RegIMAN   = 0x00
	RegIMOD   = 0x04
	RegERSTSZ = 0x08
	RegERSTBA = 0x10 // 64-bit
	RegERDP   = 0x18 // 64-bit
)

// USBCMD bits.
const (
	CmdRun   uint32 = 1 << 0
	CmdReset uint32 = 1 << 1
	CmdINTE  uint32 = 1 << 2
	CmdHSEE  uint32 = 1 << 3
	CmdDevEn uint32 = 1 << 7 // device controller enable
)

// USBSTS bits.
const (
	StsHalt  uint32 = 1 << 0
	StsFatal uint32 = 1 << 2 // host system error
	StsEINT  uint32 = 1 << 3
	StsPCD   uint32 = 1 << 4
	StsCNR   uint32 = 1 << 11
	StsHCE   uint32 = 1 << 12
)

// CRCR bits.
const (
	CRCRCycle   uint64 = 1 << 0
	CRCRStop    uint64 = 1 << 1
	CRCRAbort   uint64 = 1 << 2
	CRCRRunning uint64 = 1 << 3
	CRCRPtrMask uint64 = ^uint64(0x3f)
)

// IMAN bits.
const (
	IMANPending uint32 = 1 << 0
	IMANEnable  uint32 = 1 << 1
)

// ERDP bits.
const (
	ERDPBusy    uint64 = 1 << 3
	ERDPPtrMask uint64 = ^uint64(0xf)
)

// PORTSC bits. Change bits are write-1-to-clear.
const (
	PortConnect     uint32 = 1 << 0
	PortEnabled     uint32 = 1 << 1
	PortReset       uint32 = 1 << 4
	PortLinkShift          = 5
	PortLinkMask    uint32 = 0xf << PortLinkShift
	PortPower       uint32 = 1 << 9
	PortSpeedShift         = 10
	PortSpeedMask   uint32 = 0xf << PortSpeedShift
	PortLinkStrobe  uint32 = 1 << 16
	PortConnectChg  uint32 = 1 << 17
	PortEnableChg   uint32 = 1 << 18
	PortWarmResetCh uint32 = 1 << 19
	PortOverCurChg  uint32 = 1 << 20
	PortResetChg    uint32 = 1 << 21
	PortLinkChg     uint32 = 1 << 22
	PortConfigErr   uint32 = 1 << 23
	PortChangeMask         = PortConnectChg | PortEnableChg | PortWarmResetCh |
		PortOverCurChg | PortResetChg | PortLinkChg | PortConfigErr
)

// Port link states.
const (
	LinkU0       = 0
	LinkU3       = 3
	LinkDisabled = 4
	LinkRxDetect = 5
	LinkResume   = 15
)

// Doorbell values. Doorbell 0 is the command doorbell; doorbell n targets
// the endpoints of slot n.
const (
	DoorbellCommand uint32 = 0
)

// DoorbellValue encodes the doorbell write for an endpoint ring.
func DoorbellValue(epIndex int, streamID uint16) uint32 {
	return uint32(epIndex+1)&0xff | uint32(streamID)<<16
}

// Removed is the value every register read returns once the hardware is gone.
const Removed uint32 = 0xffffffff
