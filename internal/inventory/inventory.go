// Package inventory snapshots the live network into a TopologyInventory.
package inventory

import (
	"context"

	"github.com/signalsfoundry/sdn-experiment/internal/emulator"
	"github.com/signalsfoundry/sdn-experiment/internal/logging"
	"github.com/signalsfoundry/sdn-experiment/model"
)

// Environment is the part of a live environment the collector reads.
type Environment interface {
	Network() emulator.Network
	Controllers() []model.ControllerInfo
}

// Collect reads hosts, switches, controllers and links from env. It never
// fails: a link whose endpoint node is not in the host or switch list is
// dropped with a warning so the result always satisfies
// TopologyInventory.Validate.
func Collect(ctx context.Context, env Environment, log logging.Logger) model.TopologyInventory {
	if log == nil {
		log = logging.Noop()
	}
	network := env.Network()

	inv := model.TopologyInventory{
		Hosts:       []model.HostInfo{},
		Switches:    []model.SwitchInfo{},
		Controllers: []model.ControllerInfo{},
		Links:       []model.LinkInfo{},
	}
	nodes := make(map[string]bool)
	for _, h := range network.Hosts() {
		inv.Hosts = append(inv.Hosts, model.HostInfo{Name: h.Name(), IP: h.IP(), MAC: h.MAC()})
		nodes[h.Name()] = true
	}
	for _, s := range network.Switches() {
		inv.Switches = append(inv.Switches, model.SwitchInfo{Name: s.Name()})
		nodes[s.Name()] = true
	}
	inv.Controllers = append(inv.Controllers, env.Controllers()...)

	for _, l := range network.Links() {
		if err := ctx.Err(); err != nil {
			log.Warn(ctx, "inventory cut short", logging.Err(err))
			break
		}
		src, dst := model.InterfaceNode(l.Src), model.InterfaceNode(l.Dst)
		if !nodes[src] || !nodes[dst] {
			log.Warn(ctx, "dropping link with unknown endpoint",
				logging.String("src", l.Src),
				logging.String("dst", l.Dst),
			)
			continue
		}
		inv.Links = append(inv.Links, model.LinkInfo{Src: l.Src, Dst: l.Dst})
	}

	log.Info(ctx, "inventory collected",
		logging.Int("hosts", len(inv.Hosts)),
		logging.Int("switches", len(inv.Switches)),
		logging.Int("links", len(inv.Links)),
	)
	return inv
}
