//go:build !linux

package nsnet

import (
	"context"
	"errors"

	"github.com/signalsfoundry/sdn-experiment/internal/emulator"
	"github.com/signalsfoundry/sdn-experiment/model"
)

var errUnsupported = errors.New("nsnet: network namespaces require linux")

func (d *Driver) Build(context.Context, model.Topology, string) (emulator.Network, error) {
	return nil, errUnsupported
}

func (d *Driver) Cleanup(context.Context, model.Topology) error { return errUnsupported }
