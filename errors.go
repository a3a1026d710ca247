// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import "errors"

// Sentinel errors of the root package. rtu.Transport.Transmit wraps
// ErrInvalidData with %w, so errors.Is finds it in Transmit's error.
var (
	ErrInvalidData      = errors.New("modbus: invalid data")
	ErrInvalidQuantity  = errors.New("modbus: invalid quantity")
	ErrInvalidResponse  = errors.New("modbus: invalid response")
	ErrShortFrame       = errors.New("modbus: frame too short")
	ErrProtocolError    = errors.New("modbus: protocol error")
)
