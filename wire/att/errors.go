package att

import (
	"errors"
	"fmt"
)

// Error codes carried by an Error Response. Only the ones a write or a CCCD
// update on the exchange service can produce are listed.
const (
	ErrSuccess                     = 0x00 // no error; used for acknowledged writes
	ErrInvalidHandle               = 0x01
	ErrWriteNotPermitted           = 0x03
	ErrInvalidPDU                  = 0x04
	ErrAttributeNotFound           = 0x0A
	ErrInvalidAttributeValueLength = 0x0D
	ErrCCCDImproperlyConfigured    = 0xFD
)

// ErrorNames is used when logging results
var ErrorNames = map[uint8]string{
	ErrSuccess:                     "Success",
	ErrInvalidHandle:               "Invalid Handle",
	ErrWriteNotPermitted:           "Write Not Permitted",
	ErrInvalidPDU:                  "Invalid PDU",
	ErrAttributeNotFound:           "Attribute Not Found",
	ErrInvalidAttributeValueLength: "Invalid Attribute Value Length",
	ErrCCCDImproperlyConfigured:    "CCCD Improperly Configured",
}

// Error is a refused request as reported by an Error Response: the peer
// rejected RequestOpcode on Handle with Code.
type Error struct {
	Code          uint8
	RequestOpcode uint8
	Handle        uint16
}

func (e *Error) Error() string {
	op, ok := OpcodeNames[e.RequestOpcode]
	if !ok {
		op = fmt.Sprintf("opcode 0x%02X", e.RequestOpcode)
	}
	return fmt.Sprintf("att: %s refused on handle 0x%04X: %s", op, e.Handle, codeName(e.Code))
}

func codeName(code uint8) string {
	if name, ok := ErrorNames[code]; ok {
		return name
	}
	return fmt.Sprintf("code 0x%02X", code)
}

// NewError builds the error a rejected request surfaces as
func NewError(code uint8, requestOpcode uint8, handle uint16) *Error {
	return &Error{Code: code, RequestOpcode: requestOpcode, Handle: handle}
}

// HasCode reports whether err wraps an *Error with the given code
func HasCode(err error, code uint8) bool {
	var attErr *Error
	return errors.As(err, &attErr) && attErr.Code == code
}

// CodeOf extracts the code of a wrapped *Error, or fallback when err is
// not an ATT error
func CodeOf(err error, fallback uint8) uint8 {
	var attErr *Error
	if errors.As(err, &attErr) {
		return attErr.Code
	}
	return fallback
}
