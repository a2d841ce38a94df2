// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/hybridembedding/pkg/core/session"
	"github.com/gomlx/hybridembedding/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// params maps each parameter name to the field holding it. The type of the field defines how values
// are parsed.
func (c *Config) params() map[string]any {
	return map[string]any{
		"communication_type":   &c.CommunicationType,
		"instances_per_node":   &c.InstancesPerNode,
		"instance_id":          &c.InstanceID,
		"batch_size":           &c.BatchSize,
		"num_tables":           &c.NumTables,
		"num_categories":       &c.NumCategories,
		"table_sizes":          &c.TableSizes,
		"embedding_vec_size":   &c.EmbeddingVecSize,
		"combiner":             &c.Combiner,
		"max_hotness":          &c.MaxHotness,
		"sharding":             &c.Sharding,
		"half_precision":       &c.HalfPrecision,
		"max_num_frequent":     &c.MaxNumFrequent,
		"hash_table_capacity":  &c.HashTableCapacity,
		"calibration_file":     &c.CalibrationFile,
		"all_to_all_bandwidth": &c.AllToAllBandwidth,
		"all_reduce_bandwidth": &c.AllReduceBandwidth,
		"all_to_all_passes":    &c.AllToAllPasses,
		"all_reduce_passes":    &c.AllReducePasses,
		"sampler_window":       &c.SamplerWindow,
		"drift_tolerance":      &c.DriftTolerance,
		"parallelism":          &c.Parallelism,
		"block_size":           &c.BlockSize,
		"zipf_exponent":        &c.ZipfExponent,
	}
}

// ParamNames returns the sorted names of the parameters that can be set.
func (c *Config) ParamNames() []string {
	return slices.Sorted(maps.Keys(c.params()))
}

// ParseSettings updates the configuration from settings, typically the contents of a flag set by
// the user. The settings are a list separated by ";": e.g.: "batch_size=1024;combiner=mean".
//
// An entry "file:<path>" reads settings from a file, one or more per line (separated by ";"),
// with lines starting with "#" taken as comments. For integers "_" is ignored, so one can write
// 1_000_000. Lists are comma separated: "instances_per_node=8,8".
//
// It returns the names of the parameters set, in order. The configuration is not validated.
func (c *Config) ParseSettings(settings string) (paramsSet []string, err error) {
	params := c.params()
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(params, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(params map[string]any, setting string, paramsSet []string) ([]string, error) {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return paramsSet, nil
	}
	if filePath, ok := strings.CutPrefix(setting, "file:"); ok {
		filePath, err := fsutil.ResolvePath(filePath)
		if err != nil {
			return paramsSet, err
		}
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return paramsSet, errors.Wrapf(err, "failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, s := range strings.Split(line, ";") {
				paramsSet, err = parseSetting(params, s, paramsSet)
				if err != nil {
					return paramsSet, errors.WithMessagef(err, "in settings file %q", filePath)
				}
			}
		}
		return paramsSet, nil
	}

	name, valueStr, found := strings.Cut(setting, "=")
	if !found || strings.Contains(valueStr, "=") {
		return paramsSet, session.ConfigErrorf("can't parse setting %q: each setting requires the format \"<param>=<value>\"", setting)
	}
	name = strings.TrimSpace(name)
	valueStr = strings.TrimSpace(valueStr)
	ptr, found := params[name]
	if !found {
		return paramsSet, session.ConfigErrorf("unknown parameter %q in setting %q", name, setting)
	}

	var err error
	switch v := ptr.(type) {
	case *int:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), v)
	case *float64:
		err = json.Unmarshal([]byte(valueStr), v)
	case *bool:
		err = json.Unmarshal([]byte(valueStr), v)
	case *string:
		*v = valueStr
	case *[]int:
		var values []int
		if valueStr != "" {
			for _, part := range strings.Split(valueStr, ",") {
				var asInt int
				part = strings.ReplaceAll(strings.TrimSpace(part), "_", "")
				if err = json.Unmarshal([]byte(part), &asInt); err != nil {
					break
				}
				values = append(values, asInt)
			}
		}
		if err == nil {
			*v = values
		}
	default:
		err = errors.Errorf("don't know how to parse type %T", ptr)
	}
	if err != nil {
		return paramsSet, errors.WithMessagef(session.ErrConfiguration, "failed to parse value %q for parameter %q: %v",
			valueStr, name, err)
	}
	return append(paramsSet, name), nil
}

// CreateSettingsFlag creates a string flag with the given flagName (if empty it will be named "set")
// whose usage lists the parameters and their default values in c.
//
// The flag should be created before the call to flag.Parse().
func (c *Config) CreateSettingsFlag(flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Set the hybrid embedding parameters. ` +
			`It should be a list of elements "param=value" separated by ";". ` +
			`It can also be given an entry like: "file:settings_file.txt", in ` +
			`which case the file will be read and the settings will be parsed, ` +
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. ` +
			`Current available parameters that can be set:`,
	}
	params := c.params()
	for _, name := range c.ParamNames() {
		parts = append(parts, fmt.Sprintf("%q: default value is %v", name, deref(params[name])))
	}
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SprintSettings pretty-prints the values of the given parameters, or all of them if none is given.
// Repeated names are printed once.
func (c *Config) SprintSettings(names ...string) string {
	if len(names) == 0 {
		names = c.ParamNames()
	} else {
		names = slices.Clone(names)
		slices.Sort(names)
		names = slices.Compact(names)
	}
	params := c.params()
	parts := make([]string, 0, len(names))
	for _, name := range names {
		if ptr, found := params[name]; found {
			value := deref(ptr)
			parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", name, value, value))
		}
	}
	return strings.Join(parts, "\n")
}

func deref(ptr any) any {
	switch v := ptr.(type) {
	case *int:
		return *v
	case *float64:
		return *v
	case *bool:
		return *v
	case *string:
		return *v
	case *[]int:
		return *v
	}
	return ptr
}
