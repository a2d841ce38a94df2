// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package topology

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// CommunicationType is an enumeration of the interconnects used by the collectives of the hybrid
// embedding. It selects the cost model used to choose the frequent categories.
type CommunicationType int

const (
	// NVLinkSingleNode is a single node where all GPUs are connected through NVLink.
	// All-to-all and all-reduce run over NVLink.
	NVLinkSingleNode CommunicationType = iota

	// IBNVLink is a multi-node setup: NVLink within nodes, InfiniBand across nodes.
	// The all-to-all is a flat exchange among all instances.
	IBNVLink

	// IBNVLinkHier is like IBNVLink, but the all-to-all is hierarchical: first within the node over
	// NVLink, then across nodes among instances with the same local rank.
	IBNVLinkHier
)

var communicationTypeNames = []string{"NVLink_SingleNode", "IB_NVLink", "IB_NVLink_Hier"}

// String implements fmt.Stringer.
func (ct CommunicationType) String() string {
	if ct < 0 || int(ct) >= len(communicationTypeNames) {
		return "CommunicationType(" + strconv.Itoa(int(ct)) + ")"
	}
	return communicationTypeNames[ct]
}

// IsMultiNode returns whether the communication type spans more than one node.
func (ct CommunicationType) IsMultiNode() bool {
	return ct == IBNVLink || ct == IBNVLinkHier
}

// ParseCommunicationType converts a name (case-insensitive, "_" and "-" are ignored) to a
// CommunicationType.
func ParseCommunicationType(name string) (CommunicationType, error) {
	normalized := normalizeName(name)
	for i, n := range communicationTypeNames {
		if normalizeName(n) == normalized {
			return CommunicationType(i), nil
		}
	}
	return 0, errors.Errorf("unknown communication type %q, valid values are %s",
		name, strings.Join(communicationTypeNames, ", "))
}

func normalizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "_", "")
	return strings.ReplaceAll(name, "-", "")
}
