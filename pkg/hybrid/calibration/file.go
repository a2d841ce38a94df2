// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package calibration

import (
	"os"

	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Parse calibration data from YAML and validate it:
//
//	num_nodes: 2
//	all_to_all:
//	  data_size: [1024, 1048576]
//	  times: [10.0e-6, 100.0e-6]
//	all_reduce:
//	  data_size: [1024, 1048576]
//	  times: [12.0e-6, 80.0e-6]
//	max_all_to_all_bandwidth: 12.5e9
//	max_all_reduce_bandwidth: 100.0e9
func Parse(contents []byte) (*Data, error) {
	d := &Data{}
	if err := yaml.Unmarshal(contents, d); err != nil {
		return nil, errors.WithMessagef(session.ErrConfiguration, "failed to parse calibration data: %v", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// LoadFile reads and validates the calibration file.
func LoadFile(path string) (*Data, error) {
	path, err := fsutil.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read calibration file %q", path)
	}
	d, err := Parse(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "calibration file %q", path)
	}
	if d.IsMeasured() {
		klog.Infof("Loaded calibration %q: %d all-to-all and %d all-reduce measurements, %d node(s)",
			path, len(d.AllToAll.DataSize), len(d.AllReduce.DataSize), d.NumNodes)
	} else {
		klog.Infof("Loaded calibration %q: bandwidth only, %d node(s)", path, d.NumNodes)
	}
	return d, nil
}

// Marshal the calibration data to YAML.
func (d *Data) Marshal() ([]byte, error) {
	contents, err := yaml.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal calibration data")
	}
	return contents, nil
}

// SaveFile writes the calibration data to path.
func (d *Data) SaveFile(path string) error {
	contents, err := d.Marshal()
	if err != nil {
		return err
	}
	if err = os.WriteFile(path, contents, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write calibration file %q", path)
	}
	return nil
}
