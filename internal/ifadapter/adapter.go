// Package ifadapter defines the capability interface a hardware CAN
// plugin must satisfy. It replaces class-inheritance hierarchies with
// a vtable-free interface plus a feature bitset: attaching an adapter
// stores the interface value, no polymorphism beyond that is needed.
package ifadapter

import "github.com/kstaniek/qcan-server/internal/can"

// Features is a bitset of capabilities a hardware adapter advertises.
type Features uint8

const (
	FeatureErrorFrames Features = 1 << iota
	FeatureCANFD
	FeatureListenOnly
)

func (f Features) Has(bit Features) bool { return f&bit != 0 }

// ReadStatus distinguishes the three outcomes Read can report.
type ReadStatus int

const (
	ReadOK ReadStatus = iota
	ReadEmpty
	ReadError
)

// Adapter is the capability record every hardware plugin must satisfy.
// Read/Write operate on decoded classical CAN frames: the two concrete
// adapters this module ships (serialif, socketcanif) only ever produce
// or consume CAN frames, matching the underlying hardware protocols
// they wrap. A future adapter capable of surfacing hardware-native API
// or Error frames may do so by implementing the optional RawReader
// interface below; the dispatcher checks for it and falls back to the
// CAN-only path otherwise.
type Adapter interface {
	Connect() error
	Disconnect() error
	Connected() bool
	SupportedFeatures() Features
	SetMode(can.Mode) error
	SetBitrate(nominal, data int32) error
	// Read performs one non-blocking pull. On ReadOK, out is populated
	// with the decoded frame. On ReadEmpty, out is left untouched and
	// err is nil. On ReadError, err describes the failure.
	Read(out *can.Frame) (ReadStatus, error)
	// Write performs one non-blocking push.
	Write(can.Frame) error
}

// RawReader is an optional capability for adapters that can surface
// already-framed wire arrays (e.g. hardware-native error frames)
// instead of only decoded CAN frames. The dispatcher's hardware loop
// type-asserts for it and takes the raw path when present, falling
// back to Read otherwise. No adapter in this module implements it yet.
type RawReader interface {
	ReadRaw(out *can.RawFrame) (ReadStatus, error)
}
