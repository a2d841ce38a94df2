// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/hybridembedding/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ProfileResultFileName is the name of the file written by Profiler.WriteResult.
const ProfileResultFileName = "prof_result.json"

// Profiler records named events per device across training iterations.
//
// Events are recorded in pairs with labels "<name>.start" and "<name>.stop". Iterations before
// the warm-up count are ignored. It is safe for concurrent use.
type Profiler struct {
	mu               sync.Mutex
	warmupIterations int
	iteration        int
	iterStart        time.Time
	iterTimesMs      []float64

	events   []*ProfiledEvent
	eventIdx map[eventKey]int
	started  map[eventKey]time.Time
}

// ProfiledEvent holds the measurements of one event on one device.
type ProfiledEvent struct {
	Name     string `json:"name"`
	DeviceID int    `json:"device_id"`

	// Iterations where the event was measured.
	Iterations []int `json:"iterations"`

	// MeasuredTimesMs is the time between start and stop of the event, one per measured iteration.
	MeasuredTimesMs []float64 `json:"measured_times_ms"`

	// IterStartToEventStartMs is the time from the start of the iteration to the start of the event.
	IterStartToEventStartMs []float64 `json:"iter_start_to_event_start_ms"`

	ExtraInfos []string `json:"extra_infos,omitempty"`
}

type eventKey struct {
	name     string
	deviceID int
}

// NewProfiler returns a profiler with no warm-up iterations.
func NewProfiler() *Profiler {
	return &Profiler{
		eventIdx: make(map[eventKey]int),
		started:  make(map[eventKey]time.Time),
	}
}

// SetWarmupIterations sets the number of initial iterations that are not measured.
func (p *Profiler) SetWarmupIterations(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.warmupIterations = n
}

// Iteration returns the current iteration number.
func (p *Profiler) Iteration() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.iteration
}

// IterStart marks the start of an iteration.
func (p *Profiler) IterStart() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.iterStart = time.Now()
	clear(p.started)
}

// IterEnd marks the end of the current iteration.
func (p *Profiler) IterEnd() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.measuring() && !p.iterStart.IsZero() {
		p.iterTimesMs = append(p.iterTimesMs, durationMs(time.Since(p.iterStart)))
	}
	p.iteration++
}

func (p *Profiler) measuring() bool {
	return p.iteration >= p.warmupIterations
}

// RecordEvent records the start or the stop of an event on a device. The label must end with
// ".start" or ".stop". A ".stop" without a matching ".start" in the same iteration is an error.
func (p *Profiler) RecordEvent(label string, deviceID int, extraInfo string) error {
	now := time.Now()
	dot := strings.LastIndex(label, ".")
	if dot <= 0 {
		return errors.Errorf("invalid profiler event label %q: it should end with .start or .stop", label)
	}
	name, kind := label[:dot], label[dot+1:]
	if kind != "start" && kind != "stop" {
		return errors.Errorf("invalid profiler event label %q: it should end with .start or .stop", label)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.measuring() {
		return nil
	}
	key := eventKey{name: name, deviceID: deviceID}
	if kind == "start" {
		p.started[key] = now
		return nil
	}
	start, found := p.started[key]
	if !found {
		return errors.Errorf("profiler event %q stopped on device %d without being started", name, deviceID)
	}
	delete(p.started, key)
	idx, found := p.eventIdx[key]
	if !found {
		idx = len(p.events)
		p.eventIdx[key] = idx
		p.events = append(p.events, &ProfiledEvent{Name: name, DeviceID: deviceID})
	}
	e := p.events[idx]
	e.Iterations = append(e.Iterations, p.iteration)
	e.MeasuredTimesMs = append(e.MeasuredTimesMs, durationMs(now.Sub(start)))
	var fromIterStart float64
	if !p.iterStart.IsZero() {
		fromIterStart = durationMs(start.Sub(p.iterStart))
	}
	e.IterStartToEventStartMs = append(e.IterStartToEventStartMs, fromIterStart)
	if extraInfo != "" {
		e.ExtraInfos = append(e.ExtraInfos, extraInfo)
	}
	return nil
}

// Events returns a copy of the events recorded so far.
func (p *Profiler) Events() []ProfiledEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	events := make([]ProfiledEvent, len(p.events))
	for i, e := range p.events {
		events[i] = *e
	}
	return events
}

type profileResult struct {
	WarmupIterations int             `json:"warmup_iterations"`
	IterTimesMs      []float64       `json:"iter_times_ms"`
	Events           []ProfiledEvent `json:"events"`
}

// WriteResult writes the recorded events as JSON to ProfileResultFileName in dir, and returns the
// path of the file written.
func (p *Profiler) WriteResult(dir string) (string, error) {
	p.mu.Lock()
	result := profileResult{
		WarmupIterations: p.warmupIterations,
		IterTimesMs:      p.iterTimesMs,
	}
	p.mu.Unlock()
	result.Events = p.Events()

	contents, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", errors.Wrapf(err, "failed to serialize profiler results")
	}
	dir, err = fsutil.EnsureDir(dir)
	if err != nil {
		return "", errors.WithMessage(err, "profiler results directory")
	}
	path := filepath.Join(dir, ProfileResultFileName)
	if err = os.WriteFile(path, contents, 0o644); err != nil {
		return "", errors.Wrapf(err, "failed to write profiler results to %q", path)
	}
	klog.V(1).Infof("profiler results written to %q (%d events)", path, len(result.Events))
	return path, nil
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
