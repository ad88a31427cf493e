//go:build !linux

package socketcanif

import (
	"fmt"

	"github.com/kstaniek/qcan-server/internal/can"
	"github.com/kstaniek/qcan-server/internal/ifadapter"
)

// Adapter is a non-Linux stub: SocketCAN is a Linux kernel facility,
// so Connect and Write report the platform as unsupported, Read always
// reports no data, and Disconnect, SetMode and SetBitrate do nothing
// and return nil.
type Adapter struct {
	iface string
}

func New(iface string) *Adapter { return &Adapter{iface: iface} }

func (a *Adapter) SupportedFeatures() ifadapter.Features { return 0 }
func (a *Adapter) Connected() bool                       { return false }
func (a *Adapter) Connect() error {
	return fmt.Errorf("socketcanif: unsupported on this platform (if=%s)", a.iface)
}
func (a *Adapter) Disconnect() error                          { return nil }
func (a *Adapter) SetMode(can.Mode) error                     { return nil }
func (a *Adapter) SetBitrate(nominal, data int32) error       { return nil }
func (a *Adapter) Read(out *can.Frame) (ifadapter.ReadStatus, error) {
	return ifadapter.ReadEmpty, nil
}
func (a *Adapter) Write(can.Frame) error { return fmt.Errorf("socketcanif: unsupported on this platform") }

var _ ifadapter.Adapter = (*Adapter)(nil)
