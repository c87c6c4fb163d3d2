package att

// ATT Opcodes used by the exchange link (Bluetooth Core Spec v5.3 Vol 3, Part F, Section 3.4)
const (
	OpErrorResponse = 0x01

	OpExchangeMTURequest  = 0x02
	OpExchangeMTUResponse = 0x03

	OpWriteRequest  = 0x12
	OpWriteResponse = 0x13

	// Write Command (no response)
	OpWriteCommand = 0x52

	// Server-initiated
	OpHandleValueNotification = 0x1B
)

// OpcodeNames maps opcodes to human-readable names (useful for debugging)
var OpcodeNames = map[uint8]string{
	OpErrorResponse:           "Error Response",
	OpExchangeMTURequest:      "Exchange MTU Request",
	OpExchangeMTUResponse:     "Exchange MTU Response",
	OpWriteRequest:            "Write Request",
	OpWriteResponse:           "Write Response",
	OpWriteCommand:            "Write Command",
	OpHandleValueNotification: "Handle Value Notification",
}

// IsRequest returns true if the opcode represents a request that expects a response
func IsRequest(opcode uint8) bool {
	switch opcode {
	case OpExchangeMTURequest, OpWriteRequest:
		return true
	default:
		return false
	}
}

// IsResponse returns true if the opcode represents a response
func IsResponse(opcode uint8) bool {
	switch opcode {
	case OpErrorResponse, OpExchangeMTUResponse, OpWriteResponse:
		return true
	default:
		return false
	}
}
