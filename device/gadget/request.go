package gadget

// Standard request codes (USB 3.2 Table 9-5).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
	RequestSynchFrame       = 0x0C
	RequestSetSEL           = 0x30
	RequestSetIsochDelay    = 0x31
)

// Feature selectors (USB 3.2 Table 9-7).
const (
	FeatureEndpointHalt       = 0x00
	FeatureFunctionSuspend    = 0x00
	FeatureDeviceRemoteWakeup = 0x01
	FeatureTestMode           = 0x02
	FeatureU1Enable           = 0x30
	FeatureU2Enable           = 0x31
	FeatureLTMEnable          = 0x32
)

// Request type values, as returned by [hal.SetupPacket.Type].
const (
	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40
)

// Request recipients, as returned by [hal.SetupPacket.Recipient].
const (
	RecipientDevice    = 0x00
	RecipientInterface = 0x01
	RecipientEndpoint  = 0x02
	RecipientOther     = 0x03
)

// Device status bits returned by GET_STATUS.
const (
	StatusSelfPowered  = 1 << 0
	StatusRemoteWakeup = 1 << 1
	StatusU1Enabled    = 1 << 2
	StatusU2Enabled    = 1 << 3
	StatusEndpointHalt = 1 << 0
)

// setSELLength is the data stage length of SET_SEL.
const setSELLength = 6
