package persist

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/sdn-experiment/model"
)

func TestPersistWritesIndentedJSON(t *testing.T) {
	dir := t.TempDir()
	p := New(dir)

	log := model.TestLog{PingOutput: "4 received", IperfOutput: "9.6 Gbits/sec"}
	path, err := p.Persist(TrafficResults, log)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, TrafficResults), path)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(b), "{\n    \"ping_output\""), "got %q", b)

	var got model.TestLog
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, log, got)
}

func TestPersistOverwrites(t *testing.T) {
	dir := t.TempDir()
	p := New(dir)

	_, err := p.Persist(FlowStats, []model.StatsRecord{model.StatsRecord(`{"1":[]}`), model.StatsRecord(`{"2":[]}`)})
	require.NoError(t, err)
	_, err = p.Persist(FlowStats, []model.StatsRecord{model.StatsRecord(`{"1":[{"priority":0}]}`)})
	require.NoError(t, err)

	var got []json.RawMessage
	b, err := os.ReadFile(filepath.Join(dir, FlowStats))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &got))
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"1":[{"priority":0}]}`, string(got[0]))
}

func TestPersistLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	p := New(dir)
	for _, name := range []string{TopologyInventory, TrafficResults, FlowStats, PortStats} {
		_, err := p.Persist(name, map[string]int{"n": 1})
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{TopologyInventory, TrafficResults, FlowStats, PortStats}, names)

	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 4)
}

func TestPersistEncodeFailureKeepsOldRecord(t *testing.T) {
	dir := t.TempDir()
	p := New(dir)
	_, err := p.Persist(PortStats, []int{1})
	require.NoError(t, err)

	_, err = p.Persist(PortStats, math.Inf(1))
	var pe *Error
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, "encode", pe.Op)
	assert.Equal(t, filepath.Join(dir, PortStats), pe.Path)

	b, err := os.ReadFile(filepath.Join(dir, PortStats))
	require.NoError(t, err)
	assert.JSONEq(t, `[1]`, string(b))
}

func TestPersistUnwritableDir(t *testing.T) {
	parent := t.TempDir()
	blocker := filepath.Join(parent, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	_, err := New(filepath.Join(blocker, "records")).Persist(TopologyInventory, model.TopologyInventory{})
	var pe *Error
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, "create dir", pe.Op)
}

func TestPersistRejectsPathNames(t *testing.T) {
	_, err := New(t.TempDir()).Persist("../escape.json", 1)
	var pe *Error
	require.True(t, errors.As(err, &pe))
}

func TestPersistReadersNeverSeePartialRecords(t *testing.T) {
	dir := t.TempDir()
	p := New(dir)

	small := []model.StatsRecord{model.StatsRecord(`{"1":[]}`)}
	large := make([]model.StatsRecord, 0, 200)
	for i := 0; i < 200; i++ {
		large = append(large, model.StatsRecord(`{"1":[{"priority":0,"packet_count":12345,"byte_count":67890}]}`))
	}
	_, err := p.Persist(FlowStats, small)
	require.NoError(t, err)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for i := 0; i < 200; i++ {
			rec := small
			if i%2 == 0 {
				rec = large
			}
			if _, err := p.Persist(FlowStats, rec); err != nil {
				t.Errorf("Persist #%d: %v", i, err)
				return
			}
		}
	}()

	path := filepath.Join(dir, FlowStats)
	var reads int
	for {
		b, err := os.ReadFile(path)
		require.NoError(t, err)
		var got []json.RawMessage
		require.NoError(t, json.Unmarshal(b, &got), "read %d saw a partial record", reads)
		require.True(t, len(got) == len(small) || len(got) == len(large), "unexpected length %d", len(got))
		reads++

		select {
		case <-done:
			wg.Wait()
			return
		default:
		}
	}
}
