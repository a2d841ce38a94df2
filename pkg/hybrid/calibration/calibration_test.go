package calibration

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/core/topology"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	kb = 1024.0
	mb = 1024.0 * 1024.0
	us = 1e-6
)

func scenarioB() *Data {
	d := &Data{
		NumNodes:  1,
		AllToAll:  Measurements{DataSize: []float64{kb, mb}, Times: []float64{10 * us, 100 * us}},
		AllReduce: Measurements{DataSize: []float64{kb, mb}, Times: []float64{20 * us, 200 * us}},
	}
	must.M(d.Validate())
	return d
}

// TestInterpolateBetweenSamples: all-to-all samples [(1KB,10us),(1MB,100us)], query size=500KB.
func TestInterpolateBetweenSamples(t *testing.T) {
	d := scenarioB()
	got := d.Time(AllToAll, 500*kb)
	assert.Greater(t, got, 10*us)
	assert.Less(t, got, 100*us)
	want := 10*us + (500*kb-kb)*(90*us)/(mb-kb)
	assert.InDelta(t, want, got, 1e-12)

	times := make([]float64, 3)
	maxTime := d.InterpolateAllToAll([]float64{kb, 500 * kb, mb}, times)
	assert.InDelta(t, 10*us, times[0], 1e-12)
	assert.InDelta(t, got, times[1], 1e-12)
	assert.InDelta(t, 100*us, times[2], 1e-12)
	assert.InDelta(t, 100*us, maxTime, 1e-12)
}

func TestTime(t *testing.T) {
	d := scenarioB()
	t.Run("clamped below smallest size", func(t *testing.T) {
		assert.InDelta(t, 10*us, d.Time(AllToAll, 10), 1e-12)
		assert.InDelta(t, 10*us, d.Time(AllToAll, 0), 1e-12)
		assert.InDelta(t, 20*us, d.Time(AllReduce, 1), 1e-12)
	})
	t.Run("extrapolated with last slope", func(t *testing.T) {
		slope := 90 * us / (mb - kb)
		assert.InDelta(t, 100*us+mb*slope, d.Time(AllToAll, 2*mb), 1e-12)
	})
	t.Run("extrapolated with bandwidth", func(t *testing.T) {
		d := scenarioB()
		d.MaxAllToAllBandwidth = 1e9
		require.NoError(t, d.Validate())
		assert.InDelta(t, 100*us+mb/1e9, d.Time(AllToAll, 2*mb), 1e-12)
		assert.Greater(t, d.Time(AllToAll, 1e12), 0.0)
	})
	t.Run("bandwidth only", func(t *testing.T) {
		d := must.M1(NewFromBandwidth(2, 1e9, 4e9))
		assert.False(t, d.IsMeasured())
		assert.InDelta(t, 1e-3, d.Time(AllToAll, 1e6), 1e-12)
		assert.InDelta(t, 0.25e-3, d.Time(AllReduce, 1e6), 1e-12)
		assert.InDelta(t, 4e9, d.EffectiveBandwidth(AllReduce, 1e6), 1e-3)
	})
}

func TestValidate(t *testing.T) {
	valid := Measurements{DataSize: []float64{1, 2}, Times: []float64{1, 2}}
	testCases := []struct {
		name string
		data Data
	}{
		{"no nodes", Data{NumNodes: 0, MaxAllToAllBandwidth: 1, MaxAllReduceBandwidth: 1}},
		{"no bandwidth", Data{NumNodes: 1, MaxAllToAllBandwidth: 1}},
		{"negative bandwidth", Data{NumNodes: 1, MaxAllToAllBandwidth: -1, MaxAllReduceBandwidth: 1}},
		{"only all-to-all measured", Data{NumNodes: 1, AllToAll: valid}},
		{"length mismatch", Data{NumNodes: 1, AllReduce: valid,
			AllToAll: Measurements{DataSize: []float64{1, 2}, Times: []float64{1}}}},
		{"single measurement", Data{NumNodes: 1, AllReduce: valid,
			AllToAll: Measurements{DataSize: []float64{1}, Times: []float64{1}}}},
		{"sizes not increasing", Data{NumNodes: 1, AllReduce: valid,
			AllToAll: Measurements{DataSize: []float64{2, 2}, Times: []float64{1, 2}}}},
		{"times decreasing", Data{NumNodes: 1, AllToAll: valid,
			AllReduce: Measurements{DataSize: []float64{1, 2}, Times: []float64{2, 1}}}},
		{"zero time", Data{NumNodes: 1, AllReduce: valid,
			AllToAll: Measurements{DataSize: []float64{1, 2}, Times: []float64{0, 1}}}},
		{"negative size", Data{NumNodes: 1, AllReduce: valid,
			AllToAll: Measurements{DataSize: []float64{-1, 2}, Times: []float64{1, 1}}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.data.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, session.ErrConfiguration), "got %v", err)
		})
	}
	d := Data{NumNodes: 1, AllToAll: valid, AllReduce: valid}
	assert.NoError(t, d.Validate())
}

func TestCalculateThreshold(t *testing.T) {
	d := must.M1(NewFromBandwidth(2, 10e9, 100e9))
	req := Request{
		CommunicationType: topology.IBNVLink,
		NumInstances:      16,
		BatchSize:         1000,
		NumTables:         10,
		EmbeddingVecBytes: 512,
	}
	threshold, err := d.CalculateThreshold(req, 10)
	require.NoError(t, err)
	// 1 * 16 * 10e9 / (2 * 0.5 * 100e9) = 1.6 hits per iteration.
	assert.InDelta(t, 16.0, threshold.Count, 1e-9)
	assert.InDelta(t, 16.0/(10*1000*10), threshold.Probability, 1e-12)

	req.Factors = ThresholdFactors{AllToAllPasses: 4}
	threshold, err = d.CalculateThreshold(req, 10)
	require.NoError(t, err)
	assert.InDelta(t, 8.0, threshold.Count, 1e-9)

	t.Run("single instance", func(t *testing.T) {
		d := must.M1(NewFromBandwidth(1, 10e9, 100e9))
		req := Request{CommunicationType: topology.NVLinkSingleNode, NumInstances: 1, BatchSize: 8,
			NumTables: 2, EmbeddingVecBytes: 4}
		threshold, err := d.CalculateThreshold(req, 1)
		require.NoError(t, err)
		assert.True(t, math.IsInf(threshold.Count, 1))
	})

	t.Run("invalid requests", func(t *testing.T) {
		_, err := d.CalculateThreshold(Request{CommunicationType: topology.NVLinkSingleNode, NumInstances: 16,
			BatchSize: 1, NumTables: 1, EmbeddingVecBytes: 4}, 1)
		assert.True(t, errors.Is(err, session.ErrConfiguration), "single node type with 2 nodes: %v", err)
		_, err = d.CalculateThreshold(req, 0)
		assert.True(t, errors.Is(err, session.ErrConfiguration))
		_, err = d.CalculateThreshold(Request{CommunicationType: topology.IBNVLink, NumInstances: 16}, 1)
		assert.True(t, errors.Is(err, session.ErrConfiguration))
	})
}

func TestCalculateNumFrequentCategories(t *testing.T) {
	counts := []uint64{100, 50, 20, 16, 15, 1}
	req := Request{
		CommunicationType: topology.IBNVLink,
		NumInstances:      16,
		BatchSize:         1000,
		NumTables:         10,
		EmbeddingVecBytes: 512,
	}

	t.Run("bandwidth mode", func(t *testing.T) {
		d := must.M1(NewFromBandwidth(2, 10e9, 100e9))
		p, err := d.CalculateNumFrequentCategories(req, counts, 10)
		require.NoError(t, err)
		assert.Equal(t, 4, p.NumFrequent)
		assert.InDelta(t, 16.0, p.MinHitCount, 1e-9)
		assert.Greater(t, p.Cost, 0.0)
	})

	t.Run("cheap all-reduce", func(t *testing.T) {
		d := &Data{
			NumNodes:  2,
			AllToAll:  Measurements{DataSize: []float64{1, 1e9}, Times: []float64{1e-3, 1}},
			AllReduce: Measurements{DataSize: []float64{1, 1e9}, Times: []float64{1e-6, 1e-5}},
		}
		require.NoError(t, d.Validate())
		p, err := d.CalculateNumFrequentCategories(req, counts, 10)
		require.NoError(t, err)
		assert.Equal(t, len(counts), p.NumFrequent)
		assert.Equal(t, 1.0, p.MinHitCount)
	})

	t.Run("expensive all-reduce", func(t *testing.T) {
		d := &Data{
			NumNodes:  2,
			AllToAll:  Measurements{DataSize: []float64{1, 1e9}, Times: []float64{1e-6, 1e-5}},
			AllReduce: Measurements{DataSize: []float64{1, 1e9}, Times: []float64{1, 10}},
		}
		require.NoError(t, d.Validate())
		p, err := d.CalculateNumFrequentCategories(req, counts, 10)
		require.NoError(t, err)
		assert.Equal(t, 0, p.NumFrequent)
		assert.True(t, math.IsInf(p.MinHitCount, 1))
	})

	t.Run("no categories", func(t *testing.T) {
		d := must.M1(NewFromBandwidth(2, 10e9, 100e9))
		p, err := d.CalculateNumFrequentCategories(req, nil, 10)
		require.NoError(t, err)
		assert.Equal(t, 0, p.NumFrequent)
	})
}

func TestFile(t *testing.T) {
	d := scenarioB()
	d.MaxAllToAllBandwidth = 5e9
	path := filepath.Join(t.TempDir(), "calibration.yaml")
	require.NoError(t, d.SaveFile(path))
	loaded := must.M1(LoadFile(path))
	assert.Equal(t, d.AllToAll, loaded.AllToAll)
	assert.Equal(t, d.AllReduce, loaded.AllReduce)
	assert.Equal(t, d.MaxAllToAllBandwidth, loaded.MaxAllToAllBandwidth)
	assert.InDelta(t, d.Time(AllToAll, 500*kb), loaded.Time(AllToAll, 500*kb), 1e-15)

	_, err := Parse([]byte("num_nodes: 1\nall_to_all:\n  data_size: [2, 1]\n  times: [1, 2]\n" +
		"all_reduce:\n  data_size: [1, 2]\n  times: [1, 2]\n"))
	assert.True(t, errors.Is(err, session.ErrConfiguration), "got %v", err)

	_, err = Parse([]byte("num_nodes: [not an int"))
	assert.True(t, errors.Is(err, session.ErrConfiguration), "got %v", err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
