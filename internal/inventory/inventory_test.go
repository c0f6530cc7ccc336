package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/sdn-experiment/internal/emulator"
	"github.com/signalsfoundry/sdn-experiment/internal/emulator/emulatortest"
	"github.com/signalsfoundry/sdn-experiment/internal/logging"
	"github.com/signalsfoundry/sdn-experiment/model"
)

type staticEnv struct {
	network     emulator.Network
	controllers []model.ControllerInfo
}

func (e staticEnv) Network() emulator.Network            { return e.network }
func (e staticEnv) Controllers() []model.ControllerInfo { return e.controllers }

func TestCollectDefaultTopology(t *testing.T) {
	env := staticEnv{
		network:     emulatortest.NewNetwork(model.DefaultTopology(), nil),
		controllers: []model.ControllerInfo{{Name: "c1", IP: "127.0.0.1"}},
	}

	inv := Collect(context.Background(), env, nil)

	assert.Equal(t, []model.HostInfo{
		{Name: "h1", IP: "192.168.1.1", MAC: "00:00:00:00:11:11"},
		{Name: "h2", IP: "192.168.1.2", MAC: "00:00:00:00:11:12"},
	}, inv.Hosts)
	assert.Equal(t, []model.SwitchInfo{{Name: "s1"}, {Name: "s2"}}, inv.Switches)
	assert.Equal(t, env.controllers, inv.Controllers)
	assert.Equal(t, []model.LinkInfo{
		{Src: "h1-eth0", Dst: "s1-eth1"},
		{Src: "h2-eth0", Dst: "s2-eth1"},
		{Src: "s1-eth2", Dst: "s2-eth2"},
	}, inv.Links)
	require.NoError(t, inv.Validate())
}

func TestCollectDropsDanglingLinks(t *testing.T) {
	network := emulatortest.NewNetwork(model.DefaultTopology(), nil)
	network.AddLink("s2-eth3", "nat0-eth0")

	var buf bytes.Buffer
	log := logging.New(logging.Config{Level: "warn", Format: "json", Output: &buf})
	inv := Collect(context.Background(), staticEnv{network: network}, log)

	assert.Len(t, inv.Links, 3)
	require.NoError(t, inv.Validate())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.SplitN(buf.Bytes(), []byte("\n"), 2)[0], &entry))
	assert.Equal(t, "dropping link with unknown endpoint", entry["msg"])
	assert.Equal(t, "nat0-eth0", entry["dst"])
}

func TestCollectEmptyListsEncodeAsArrays(t *testing.T) {
	empty := model.Topology{}
	inv := Collect(context.Background(), staticEnv{network: emulatortest.NewNetwork(empty, nil)}, nil)

	b, err := json.Marshal(inv)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hosts":[],"switches":[],"controllers":[],"links":[]}`, string(b))
}
