package qcan

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/qcan-server/internal/can"
	"github.com/kstaniek/qcan-server/internal/metrics"
)

// ErrMalformedFrame is returned by Decode when the category byte is
// unrecognized or a category-specific well-formedness check fails.
var ErrMalformedFrame = errors.New("qcan: malformed frame")

const maxNameLen = 14 // 16-byte array minus 1 category byte minus 1 NUL terminator slack

// Classify determines a raw frame's category from byte 0 alone. It is a
// pure function of b[0]&0xE0 and never fails: unrecognized prefixes map
// to CategoryUnknown.
func Classify(b []byte) Category {
	if len(b) == 0 {
		return CategoryUnknown
	}
	switch b[0] & categoryMask {
	case categoryMaskCAN:
		return CategoryCAN
	case categoryMaskAPI:
		return CategoryAPI
	case categoryMaskError:
		return CategoryError
	default:
		return CategoryUnknown
	}
}

// EncodeCAN packs a classical CAN frame into its wire representation.
func EncodeCAN(f can.Frame) (can.RawFrame, error) {
	var raw can.RawFrame
	if f.Len > 8 {
		return raw, fmt.Errorf("%w: dlc %d out of range", ErrMalformedFrame, f.Len)
	}
	raw[0] = categoryMaskCAN | (f.Len & dlcMask)
	var flags byte
	if f.Ext {
		flags |= 0x01
	}
	if f.RTR {
		flags |= 0x02
	}
	if f.FD {
		flags |= 0x04
	}
	if f.BRS {
		flags |= 0x08
	}
	if f.ESI {
		flags |= 0x10
	}
	raw[1] = flags
	binary.BigEndian.PutUint32(raw[2:6], f.CANID)
	copy(raw[6:6+8], f.Data[:f.Len])
	return raw, nil
}

// EncodeAPI packs an API control frame into its wire representation.
func EncodeAPI(f APIFrame) (can.RawFrame, error) {
	var raw can.RawFrame
	if f.Function > APIFuncName {
		return raw, fmt.Errorf("%w: unknown api function %d", ErrMalformedFrame, f.Function)
	}
	raw[0] = categoryMaskAPI | (byte(f.Function) & dlcMask)
	switch f.Function {
	case APIFuncBitrate:
		binary.BigEndian.PutUint32(raw[1:5], uint32(f.Nominal))
		binary.BigEndian.PutUint32(raw[5:9], uint32(f.Data))
	case APIFuncCANMode:
		raw[1] = byte(f.Mode)
	case APIFuncName:
		name := f.Name
		if len(name) > maxNameLen {
			name = name[:maxNameLen]
		}
		copy(raw[1:1+maxNameLen], name)
	}
	return raw, nil
}

// EncodeError packs an error frame into its wire representation. Layout
// is positional and must not change without a protocol version bump.
func EncodeError(f ErrorFrame) can.RawFrame {
	var raw can.RawFrame
	raw[0] = categoryMaskError | 0x04 // DLC = 4
	raw[1] = byte(f.State)
	raw[2] = f.ErrType
	raw[3] = f.RxErrors
	raw[4] = f.TxErrors
	return raw
}

// Decode classifies and fully decodes one raw wire frame. The returned
// Frame's Raw field always holds the untouched input bytes, so callers
// that only need to forward bytes (the common dispatcher path) never pay
// for a re-encode.
func Decode(b []byte) (Frame, error) {
	var fr Frame
	if len(b) != can.FrameArraySize {
		metrics.IncMalformed()
		return fr, fmt.Errorf("%w: length %d", ErrMalformedFrame, len(b))
	}
	copy(fr.Raw[:], b)
	fr.Category = Classify(b)

	switch fr.Category {
	case CategoryCAN:
		dlc := b[0] & dlcMask
		if dlc > 8 {
			metrics.IncMalformed()
			return fr, fmt.Errorf("%w: dlc %d out of range", ErrMalformedFrame, dlc)
		}
		flags := b[1]
		fr.CAN = can.Frame{
			CANID: binary.BigEndian.Uint32(b[2:6]),
			Len:   dlc,
			Ext:   flags&0x01 != 0,
			RTR:   flags&0x02 != 0,
			FD:    flags&0x04 != 0,
			BRS:   flags&0x08 != 0,
			ESI:   flags&0x10 != 0,
		}
		if fr.CAN.BRS && !fr.CAN.FD {
			metrics.IncMalformed()
			return fr, fmt.Errorf("%w: BRS set without FD", ErrMalformedFrame)
		}
		copy(fr.CAN.Data[:], b[6:6+8])

	case CategoryAPI:
		fn := APIFunction(b[0] & dlcMask)
		if fn > APIFuncName {
			metrics.IncMalformed()
			return fr, fmt.Errorf("%w: unknown api function %d", ErrMalformedFrame, fn)
		}
		fr.API.Function = fn
		switch fn {
		case APIFuncBitrate:
			fr.API.Nominal = int32(binary.BigEndian.Uint32(b[1:5]))
			fr.API.Data = int32(binary.BigEndian.Uint32(b[5:9]))
		case APIFuncCANMode:
			fr.API.Mode = can.Mode(b[1])
		case APIFuncName:
			end := 1
			for end < 1+maxNameLen && b[end] != 0 {
				end++
			}
			fr.API.Name = string(b[1:end])
		}

	case CategoryError:
		fr.Err = ErrorFrame{
			State:    can.BusState(b[1]),
			ErrType:  b[2],
			RxErrors: b[3],
			TxErrors: b[4],
		}

	default:
		metrics.IncMalformed()
		return fr, fmt.Errorf("%w: unknown category byte 0x%02x", ErrMalformedFrame, b[0])
	}

	return fr, nil
}
