package trb

// Builders return TRBs with the cycle bit clear. The ring that queues a TRB
// owns the cycle bit.

// Normal builds a normal transfer TRB.
func Normal(addr uint64, length, tdSize int, flags uint32) TRB {
	var t TRB
	t.SetPointer(addr)
	t[2] = LengthField(length, tdSize, 0)
	t[3] = flags | TypeField(TypeNormal)
	return t
}

// DataStage builds a control data stage TRB for the given setup tag.
func DataStage(addr uint64, length, tdSize int, in bool, setupID uint8, flags uint32) TRB {
	var t TRB
	t.SetPointer(addr)
	t[2] = LengthField(length, tdSize, 0)
	t[3] = flags | TypeField(TypeData) | SetupIDField(setupID)
	if in {
		t[3] |= DirIn
	}
	return t
}

// StatusStage builds a control status stage TRB for the given setup tag.
func StatusStage(in bool, setupID uint8, flags uint32) TRB {
	var t TRB
	t[3] = flags | TypeField(TypeStatus) | SetupIDField(setupID)
	if in {
		t[3] |= DirIn
	}
	return t
}

// Isoch builds an isochronous transfer TRB.
func Isoch(addr uint64, length, tdSize int, flags uint32) TRB {
	var t TRB
	t.SetPointer(addr)
	t[2] = LengthField(length, tdSize, 0)
	t[3] = flags | TypeField(TypeIsoch)
	return t
}

// Link builds a link TRB pointing at next.
func Link(next uint64, toggle bool) TRB {
	var t TRB
	t.SetPointer(next)
	t[3] = TypeField(TypeLink)
	if toggle {
		t[3] |= LinkToggle
	}
	return t
}

// NoOp builds a transfer ring no-op.
func NoOp(flags uint32) TRB {
	return TRB{0, 0, 0, flags | TypeField(TypeNoOp)}
}

// EnableSlot builds an Enable Slot command.
func EnableSlot() TRB {
	return TRB{0, 0, 0, TypeField(TypeEnableSlot)}
}

// DisableSlot builds a Disable Slot command.
func DisableSlot(slot uint8) TRB {
	return TRB{0, 0, 0, TypeField(TypeDisableSlot) | SlotField(slot)}
}

// AddressDevice builds an Address Device command for the input context at ctx.
func AddressDevice(ctx uint64, slot uint8, bsr bool) TRB {
	var t TRB
	t.SetPointer(ctx)
	t[3] = TypeField(TypeAddressDevice) | SlotField(slot)
	if bsr {
		t[3] |= BSR
	}
	return t
}

// ConfigureEndpoint builds a Configure Endpoint command.
func ConfigureEndpoint(ctx uint64, slot uint8, deconfigure bool) TRB {
	var t TRB
	t.SetPointer(ctx)
	t[3] = TypeField(TypeConfigureEP) | SlotField(slot)
	if deconfigure {
		t[3] |= DC
	}
	return t
}

// EvaluateContext builds an Evaluate Context command.
func EvaluateContext(ctx uint64, slot uint8) TRB {
	var t TRB
	t.SetPointer(ctx)
	t[3] = TypeField(TypeEvaluateContext) | SlotField(slot)
	return t
}

// ResetEndpoint builds a Reset Endpoint command.
func ResetEndpoint(slot uint8, epIndex int, preserve bool) TRB {
	t := TRB{0, 0, 0, TypeField(TypeResetEP) | SlotField(slot) | EndpointField(epIndex)}
	if preserve {
		t[3] |= TSP
	}
	return t
}

// StopEndpoint builds a Stop Endpoint command.
func StopEndpoint(slot uint8, epIndex int, suspend bool) TRB {
	t := TRB{0, 0, 0, TypeField(TypeStopRing) | SlotField(slot) | EndpointField(epIndex)}
	if suspend {
		t[3] |= Suspend
	}
	return t
}

// HaltEndpoint builds a Halt Endpoint command.
func HaltEndpoint(slot uint8, epIndex int) TRB {
	return TRB{0, 0, 0, TypeField(TypeHaltEP) | SlotField(slot) | EndpointField(epIndex)}
}

// SetDequeue builds a Set TR Dequeue Pointer command. The low four bits of
// the pointer carry the dequeue cycle state and the stream context type.
func SetDequeue(slot uint8, epIndex int, stream uint16, addr uint64, cycle bool, sct uint8) TRB {
	var t TRB
	ptr := addr &^ 0xf
	if cycle {
		ptr |= 1
	}
	ptr |= uint64(sct&0x7) << 1
	t.SetPointer(ptr)
	t[2] = StreamField(stream)
	t[3] = TypeField(TypeSetDequeue) | SlotField(slot) | EndpointField(epIndex)
	return t
}

// ResetDevice builds a Reset Device command.
func ResetDevice(slot uint8) TRB {
	return TRB{0, 0, 0, TypeField(TypeResetDevice) | SlotField(slot)}
}

// CommandNoOp builds a command ring no-op.
func CommandNoOp() TRB {
	return TRB{0, 0, 0, TypeField(TypeCommandNoOp)}
}

// CommandCompletionEvent builds a command completion event for the command
// TRB at cmd.
func CommandCompletionEvent(cmd uint64, code CompletionCode, slot uint8, param uint32) TRB {
	var t TRB
	t.SetPointer(cmd)
	t[2] = CompletionField(code, param)
	t[3] = TypeField(TypeCommandCompletion) | SlotField(slot)
	return t
}

// TransferEvent builds a transfer event for the TRB at addr.
func TransferEvent(addr uint64, remaining int, code CompletionCode, slot uint8, epIndex int) TRB {
	var t TRB
	t.SetPointer(addr)
	t[2] = CompletionField(code, uint32(remaining))
	t[3] = TypeField(TypeTransferEvent) | SlotField(slot) | EndpointField(epIndex)
	return t
}

// PortStatusChangeEvent builds a port status change event for port.
func PortStatusChangeEvent(port uint8) TRB {
	return TRB{uint32(port) << portShift, 0, CompletionField(CodeSuccess, 0), TypeField(TypePortStatusChange)}
}

// SetupEvent builds a setup event carrying the eight setup bytes.
func SetupEvent(setup [8]byte, setupID, slot uint8) TRB {
	var t TRB
	for i := 0; i < 4; i++ {
		t[0] |= uint32(setup[i]) << (8 * i)
		t[1] |= uint32(setup[4+i]) << (8 * i)
	}
	t[2] = CompletionField(CodeSuccess, 0)
	t[3] = TypeField(TypeSetupEvent) | SetupIDField(setupID) | SlotField(slot)
	return t
}

// ControllerEvent builds a device controller event with code.
func ControllerEvent(code CompletionCode) TRB {
	return TRB{0, 0, CompletionField(code, 0), TypeField(TypeControllerEvent)}
}
