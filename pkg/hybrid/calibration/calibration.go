// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package calibration holds the communication cost model of the hybrid embedding: the time it takes
// to run an all-to-all or an all-reduce as a function of the message size per GPU.
//
// The cost model is given either as measured (size, time) samples for each collective, or, if no
// measurements are available, as the maximum algorithm bandwidth of each collective. It is used to
// choose which categories are frequent (replicated and all-reduced) and which are infrequent
// (sharded and exchanged with all-to-all).
package calibration

import (
	"math"

	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/interp"
)

// Collective selects one of the calibrated collectives.
type Collective int

const (
	AllToAll Collective = iota
	AllReduce
)

// String implements fmt.Stringer.
func (c Collective) String() string {
	switch c {
	case AllToAll:
		return "all-to-all"
	case AllReduce:
		return "all-reduce"
	}
	return "unknown-collective"
}

// Measurements maps data sizes (bytes of the message per GPU) to the measured time (seconds).
// Sizes must be strictly increasing and times positive and non-decreasing.
type Measurements struct {
	DataSize []float64 `yaml:"data_size"`
	Times    []float64 `yaml:"times"`
}

// IsEmpty returns whether there are no measurements.
func (m *Measurements) IsEmpty() bool { return len(m.DataSize) == 0 && len(m.Times) == 0 }

// Data with the calibration of the collectives.
//
// Call Validate before use: it checks the invariants and prepares the interpolation.
type Data struct {
	NumNodes int `yaml:"num_nodes"`

	AllToAll  Measurements `yaml:"all_to_all"`
	AllReduce Measurements `yaml:"all_reduce"`

	// MaxAllToAllBandwidth and MaxAllReduceBandwidth are the algorithm bandwidths in bytes of message
	// per GPU per second. They are used when there are no measurements (the collectives are assumed
	// bandwidth bound), and to extrapolate beyond the largest measured size.
	MaxAllToAllBandwidth  float64 `yaml:"max_all_to_all_bandwidth"`
	MaxAllReduceBandwidth float64 `yaml:"max_all_reduce_bandwidth"`

	allToAll, allReduce *curve
}

// curve interpolates one collective's measurements.
type curve struct {
	pl                 interp.PiecewiseLinear
	lastSize           float64
	lastTime           float64
	firstTime          float64
	tailSecondsPerByte float64
}

// NewFromBandwidth creates calibration data with no measurements: the collectives are assumed
// bandwidth bound.
func NewFromBandwidth(numNodes int, allToAllBandwidth, allReduceBandwidth float64) (*Data, error) {
	d := &Data{
		NumNodes:              numNodes,
		MaxAllToAllBandwidth:  allToAllBandwidth,
		MaxAllReduceBandwidth: allReduceBandwidth,
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// IsMeasured returns whether the calibration uses measurements (as opposed to bandwidths only).
func (d *Data) IsMeasured() bool {
	return !d.AllToAll.IsEmpty()
}

// Validate checks the calibration invariants and prepares the interpolation. Violations are
// configuration errors (session.ErrConfiguration).
func (d *Data) Validate() error {
	if d.NumNodes <= 0 {
		return session.ConfigErrorf("calibration num_nodes=%d, it must be >= 1", d.NumNodes)
	}
	if d.MaxAllToAllBandwidth < 0 || d.MaxAllReduceBandwidth < 0 ||
		math.IsNaN(d.MaxAllToAllBandwidth) || math.IsNaN(d.MaxAllReduceBandwidth) {
		return session.ConfigErrorf("calibration bandwidths must be positive, got all-to-all=%g, all-reduce=%g",
			d.MaxAllToAllBandwidth, d.MaxAllReduceBandwidth)
	}
	if d.AllToAll.IsEmpty() != d.AllReduce.IsEmpty() {
		return session.ConfigErrorf("calibration must have measurements for both all-to-all and all-reduce, or for neither")
	}
	if !d.IsMeasured() {
		if d.MaxAllToAllBandwidth == 0 || d.MaxAllReduceBandwidth == 0 {
			return session.ConfigErrorf("calibration without measurements requires max_all_to_all_bandwidth "+
				"and max_all_reduce_bandwidth, got %g and %g", d.MaxAllToAllBandwidth, d.MaxAllReduceBandwidth)
		}
		d.allToAll, d.allReduce = nil, nil
		return nil
	}
	var err error
	d.allToAll, err = newCurve(AllToAll, &d.AllToAll, d.MaxAllToAllBandwidth)
	if err != nil {
		return err
	}
	d.allReduce, err = newCurve(AllReduce, &d.AllReduce, d.MaxAllReduceBandwidth)
	return err
}

func newCurve(c Collective, m *Measurements, bandwidth float64) (*curve, error) {
	n := len(m.DataSize)
	if len(m.Times) != n {
		return nil, session.ConfigErrorf("%s calibration has %d data sizes and %d times", c, n, len(m.Times))
	}
	if n < 2 {
		return nil, session.ConfigErrorf("%s calibration needs at least 2 measurements, got %d", c, n)
	}
	for i := range n {
		if m.DataSize[i] < 0 || math.IsNaN(m.DataSize[i]) || math.IsInf(m.DataSize[i], 0) {
			return nil, session.ConfigErrorf("%s calibration data size #%d is invalid: %g", c, i, m.DataSize[i])
		}
		if !(m.Times[i] > 0) || math.IsInf(m.Times[i], 0) {
			return nil, session.ConfigErrorf("%s calibration time #%d must be positive, got %g", c, i, m.Times[i])
		}
		if i > 0 {
			if m.DataSize[i] <= m.DataSize[i-1] {
				return nil, session.ConfigErrorf("%s calibration data sizes must be strictly increasing, got %g after %g",
					c, m.DataSize[i], m.DataSize[i-1])
			}
			if m.Times[i] < m.Times[i-1] {
				return nil, session.ConfigErrorf("%s calibration times must be non-decreasing, got %g after %g",
					c, m.Times[i], m.Times[i-1])
			}
		}
	}
	cv := &curve{
		lastSize:  m.DataSize[n-1],
		lastTime:  m.Times[n-1],
		firstTime: m.Times[0],
	}
	if err := cv.pl.Fit(m.DataSize, m.Times); err != nil {
		return nil, errors.WithMessagef(session.ErrConfiguration, "%s calibration: %v", c, err)
	}
	if bandwidth > 0 {
		cv.tailSecondsPerByte = 1 / bandwidth
	} else {
		// No bandwidth bound given: extrapolate with the slope of the last segment.
		cv.tailSecondsPerByte = (m.Times[n-1] - m.Times[n-2]) / (m.DataSize[n-1] - m.DataSize[n-2])
	}
	return cv, nil
}

func (cv *curve) at(size float64) float64 {
	switch {
	case size > cv.lastSize:
		return cv.lastTime + (size-cv.lastSize)*cv.tailSecondsPerByte
	case size <= 0:
		return cv.firstTime
	}
	// Below the first measurement PiecewiseLinear clamps to the first time: the latency floor.
	return cv.pl.Predict(size)
}

// Time returns the estimated time in seconds of the collective for a message of dataSize bytes
// per GPU. The result is always positive for positive sizes.
//
// With measurements, it interpolates linearly between the bracketing measurements, clamps to the
// first measurement below the smallest size and extrapolates with the bandwidth bound above the
// largest one. Without measurements, it is dataSize divided by the bandwidth.
func (d *Data) Time(c Collective, dataSize float64) float64 {
	var cv *curve
	var bandwidth float64
	switch c {
	case AllToAll:
		cv, bandwidth = d.allToAll, d.MaxAllToAllBandwidth
	case AllReduce:
		cv, bandwidth = d.allReduce, d.MaxAllReduceBandwidth
	}
	if cv != nil {
		return cv.at(dataSize)
	}
	return max(dataSize, 0) / bandwidth
}

// InterpolateAllToAll fills times with the all-to-all time of each data size, and returns the
// largest time. len(times) must be >= len(dataSizes).
func (d *Data) InterpolateAllToAll(dataSizes, times []float64) float64 {
	return d.interpolate(AllToAll, dataSizes, times)
}

// InterpolateAllReduce fills times with the all-reduce time of each data size, and returns the
// largest time. len(times) must be >= len(dataSizes).
func (d *Data) InterpolateAllReduce(dataSizes, times []float64) float64 {
	return d.interpolate(AllReduce, dataSizes, times)
}

func (d *Data) interpolate(c Collective, dataSizes, times []float64) float64 {
	var maxTime float64
	for i, size := range dataSizes {
		times[i] = d.Time(c, size)
		maxTime = max(maxTime, times[i])
	}
	return maxTime
}

// EffectiveBandwidth returns the bandwidth (bytes per second) of the collective for messages of
// dataSize bytes.
func (d *Data) EffectiveBandwidth(c Collective, dataSize float64) float64 {
	t := d.Time(c, dataSize)
	if t <= 0 {
		return 0
	}
	return dataSize / t
}
