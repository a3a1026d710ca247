// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package modbus provides the framing and PDU types shared by the
// embedded server (slave) stack in the channel and rtu subpackages:
// function/exception codes, the transport-independent ProtocolDataUnit,
// and the CRC-16/LRC checksums the rtu transport and the ASCII/RTU
// simulator packagers both build frames around.
package modbus

// Function codes defined in the Modbus Application Protocol.
const (
	FuncCodeReadCoils                  = 1
	FuncCodeReadDiscreteInputs         = 2
	FuncCodeReadHoldingRegisters       = 3
	FuncCodeReadInputRegisters         = 4
	FuncCodeWriteSingleCoil            = 5
	FuncCodeWriteSingleRegister        = 6
	FuncCodeReadExceptionStatus        = 7
	FuncCodeWriteMultipleCoils         = 15
	FuncCodeWriteMultipleRegisters     = 16
	FuncCodeReportSlaveID              = 17
	FuncCodeReadFileRecord             = 20
	FuncCodeWriteFileRecord            = 21
	FuncCodeMaskWriteRegister          = 22
	FuncCodeReadWriteMultipleRegisters = 23
	FuncCodeReadFIFOQueue              = 24

	// exceptionBit is set on the function code of an exception response.
	exceptionBit = 0x80
)

// Exception codes returned in the data field of an exception response.
const (
	ExceptionCodeIllegalFunction                    = 1
	ExceptionCodeIllegalDataAddress                 = 2
	ExceptionCodeIllegalDataValue                   = 3
	ExceptionCodeServerDeviceFailure                = 4
	ExceptionCodeAcknowledge                        = 5
	ExceptionCodeServerDeviceBusy                   = 6
	ExceptionCodeMemoryParityError                  = 8
	ExceptionCodeGatewayPathUnavailable              = 10
	ExceptionCodeGatewayTargetDeviceFailedToRespond = 11
)

// ProtocolDataUnit is the function code plus data bytes that make up a PDU,
// independent of the transport that carries it.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// ModbusError implements error for a Modbus exception response: the
// function code has its high bit set and the data holds a single
// exception code byte.
type ModbusError struct {
	FunctionCode  byte
	ExceptionCode byte
}

func (e *ModbusError) Error() string {
	return exceptionCodeText(e.ExceptionCode)
}

func exceptionCodeText(code byte) string {
	switch code {
	case ExceptionCodeIllegalFunction:
		return "modbus: exception '1' (illegal function)"
	case ExceptionCodeIllegalDataAddress:
		return "modbus: exception '2' (illegal data address)"
	case ExceptionCodeIllegalDataValue:
		return "modbus: exception '3' (illegal data value)"
	case ExceptionCodeServerDeviceFailure:
		return "modbus: exception '4' (server device failure)"
	case ExceptionCodeAcknowledge:
		return "modbus: exception '5' (acknowledge)"
	case ExceptionCodeServerDeviceBusy:
		return "modbus: exception '6' (server device busy)"
	case ExceptionCodeMemoryParityError:
		return "modbus: exception '8' (memory parity error)"
	case ExceptionCodeGatewayPathUnavailable:
		return "modbus: exception '10' (gateway path unavailable)"
	case ExceptionCodeGatewayTargetDeviceFailedToRespond:
		return "modbus: exception '11' (gateway target device failed to respond)"
	default:
		return "modbus: unknown exception code"
	}
}
