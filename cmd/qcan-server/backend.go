package main

import (
	"fmt"
	"time"

	"github.com/kstaniek/qcan-server/internal/ifadapter"
	"github.com/kstaniek/qcan-server/internal/ifadapter/serialif"
	"github.com/kstaniek/qcan-server/internal/ifadapter/socketcanif"
	"github.com/kstaniek/qcan-server/internal/qcan"
)

const serialReadTimeout = 50 * time.Millisecond

// attachBackend builds the hardware adapter named by spec.backend, if
// any, and attaches it to n. An empty backend leaves n as a bare
// virtual bus with no hardware behind it.
func attachBackend(n *qcan.Network, spec networkSpec) error {
	var a ifadapter.Adapter
	switch spec.backend {
	case "":
		return nil
	case "serial":
		a = serialif.New(spec.serialDev, spec.baud, serialReadTimeout)
	case "socketcan":
		a = socketcanif.New(spec.canIf)
	default:
		return fmt.Errorf("network %s: unknown backend %q", spec.name, spec.backend)
	}
	return n.AddInterface(a)
}
