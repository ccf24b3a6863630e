package modbus

import (
	"encoding/binary"
	"fmt"
)

// MBAP Header (7 Bytes) + Function Code + Data
type Frame struct {
	TransactionID uint16 // Request/Response correlation
	ProtocolID    uint16 // Always 0x0000 for Modbus
	Length        uint16 // Number of bytes following the length field
	UnitID        uint8  // Slave address
	FunctionCode  uint8
	Data          []byte
}

const (
	FuncCodeReadHoldingRegisters = 0x03

	// Set on the function code of a device-signalled exception response.
	exceptionBit = 0x80

	// Largest legal Modbus TCP frame.
	MaxFrameSize = 260

	mbapHeaderSize = 7
)

// Encode builds the complete TCP frame.
func (f *Frame) Encode() []byte {
	f.Length = uint16(len(f.Data) + 2) // +2 for UnitID + FunctionCode

	frame := make([]byte, mbapHeaderSize+len(f.Data)+1)

	binary.BigEndian.PutUint16(frame[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(frame[2:4], f.ProtocolID)
	binary.BigEndian.PutUint16(frame[4:6], f.Length)
	frame[6] = f.UnitID

	frame[7] = f.FunctionCode
	copy(frame[8:], f.Data)

	return frame
}

// DecodeFrame parses a received frame.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < mbapHeaderSize+1 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	frame := &Frame{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:4]),
		Length:        binary.BigEndian.Uint16(data[4:6]),
		UnitID:        data[6],
		FunctionCode:  data[7],
	}

	if frame.ProtocolID != 0x0000 {
		return nil, fmt.Errorf("invalid protocol ID: 0x%04X", frame.ProtocolID)
	}

	if len(data) > mbapHeaderSize+1 {
		frame.Data = data[mbapHeaderSize+1:]
	}

	return frame, nil
}

// IsException reports whether the device answered with an exception
// response instead of data.
func (f *Frame) IsException() bool {
	return f.FunctionCode&exceptionBit != 0
}

// ExceptionCode returns the device-signalled exception code. Only
// meaningful when IsException is true.
func (f *Frame) ExceptionCode() uint8 {
	if len(f.Data) == 0 {
		return 0
	}
	return f.Data[0]
}

// ReadHoldingRegistersRequest builds a request for function code 0x03.
func ReadHoldingRegistersRequest(transactionID uint16, unitID uint8, startAddr uint16, quantity uint16) *Frame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], startAddr)
	binary.BigEndian.PutUint16(data[2:4], quantity)

	return &Frame{
		TransactionID: transactionID,
		ProtocolID:    0x0000,
		UnitID:        unitID,
		FunctionCode:  FuncCodeReadHoldingRegisters,
		Data:          data,
	}
}

// ParseRegisterResponse parses a holding register response body.
func (f *Frame) ParseRegisterResponse() ([]uint16, error) {
	if len(f.Data) < 1 {
		return nil, fmt.Errorf("response too short")
	}

	byteCount := f.Data[0]
	if len(f.Data) < int(byteCount)+1 {
		return nil, fmt.Errorf("incomplete response data: want %d bytes, have %d", byteCount, len(f.Data)-1)
	}

	registerCount := byteCount / 2
	registers := make([]uint16, registerCount)

	for i := 0; i < int(registerCount); i++ {
		offset := 1 + (i * 2)
		registers[i] = binary.BigEndian.Uint16(f.Data[offset : offset+2])
	}

	return registers, nil
}
