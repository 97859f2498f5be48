package frame

// Control field codes (master to slave unless noted).
const (
	ControlSndNKE = 0x40
	ControlSndUD  = 0x53
	ControlReqUD1 = 0x5A
	ControlReqUD2 = 0x5B
	// ControlRspUD is the slave reply; ACD and DFC bits may be set on top.
	ControlRspUD = 0x08

	MaskFCB = 0x20
	MaskFCV = 0x10
	MaskDir = 0x40
	// maskRspFunction strips ACD/DFC from a slave control field.
	maskRspFunction = 0x4F
)

// Control information codes.
const (
	CIApplicationReset = 0x50
	CIDataSend         = 0x51
	CISelectSlave      = 0x52
	CIFixedResponse    = 0x73
	CIFixedResponseMSB = 0x77
	CIVariableResponse = 0x72
	CIVariableMSB      = 0x76
	CIVariableNoHeader = 0x78
	CIVariableShort    = 0x7A
)

// Reserved addresses.
const (
	AddressUnconfigured  = 0x00
	AddressMaxPrimary    = 250
	AddressNetworkLayer  = 0xFD
	AddressBroadcastRply = 0xFE
	AddressBroadcast     = 0xFF
)

// SndNKE builds the link reset short frame.
func SndNKE(addr byte) *Frame { return NewShort(ControlSndNKE, addr) }

// ReqUD2 builds a class 2 data request; fcb toggles the frame count bit.
func ReqUD2(addr byte, fcb bool) *Frame { return NewShort(withFCB(ControlReqUD2, fcb), addr) }

// ReqUD1 builds a class 1 (alarm) data request.
func ReqUD1(addr byte, fcb bool) *Frame { return NewShort(withFCB(ControlReqUD1, fcb), addr) }

// SelectSecondary builds the SND_UD slave selection frame sent to the network
// layer address. mask is the 8-byte secondary address, wildcards included.
func SelectSecondary(mask [8]byte) *Frame {
	return NewLong(ControlSndUD, AddressNetworkLayer, CISelectSlave, mask[:])
}

// ApplicationReset builds the SND_UD application reset for addr.
func ApplicationReset(addr byte) *Frame {
	return NewControl(ControlSndUD, addr, CIApplicationReset)
}

// SetPrimaryAddress builds the SND_UD that writes a new primary address
// (DIF 0x01, VIF 0x7A bus address).
func SetPrimaryAddress(addr, newAddr byte) *Frame {
	return NewLong(ControlSndUD, addr, CIDataSend, []byte{0x01, 0x7A, newAddr})
}

func withFCB(control byte, fcb bool) byte {
	if fcb {
		return control | MaskFCB
	}
	return control
}

// IsResponse reports whether f is an RSP_UD long frame.
func (f *Frame) IsResponse() bool {
	return f.Kind == KindLong && f.Control&maskRspFunction == ControlRspUD
}

// IsVariableData reports whether the CI announces a variable data structure.
func (f *Frame) IsVariableData() bool {
	switch f.CI {
	case CIVariableResponse, CIVariableMSB, CIVariableNoHeader, CIVariableShort:
		return true
	}
	return false
}
