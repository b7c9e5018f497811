package ringvault

import (
	"fmt"
	"strings"
)

// partition derives the SK/IK ids for a given partition id, and validates
// that a DataRowRecord's parent IK id actually belongs to this partition.
type partition interface {
	SystemKeyID() string
	IntermediateKeyID() string
	IsValidIntermediateKeyID(id string) bool
}

// defaultPartition implements the canonical key id scheme:
//
//	system_key_id       = "_SK_" + service + "_" + product
//	intermediate_key_id = "_IK_" + partition_id + "_" + service + "_" + product
type defaultPartition struct {
	id      string
	service string
	product string
}

func newPartition(id, service, product string) defaultPartition {
	return defaultPartition{id: id, service: service, product: product}
}

func (p defaultPartition) SystemKeyID() string {
	return fmt.Sprintf("_SK_%s_%s", p.service, p.product)
}

func (p defaultPartition) IntermediateKeyID() string {
	return fmt.Sprintf("_IK_%s_%s_%s", p.id, p.service, p.product)
}

func (p defaultPartition) IsValidIntermediateKeyID(id string) bool {
	return id == p.IntermediateKeyID()
}

// suffixedPartition extends defaultPartition with a region suffix, used when
// the configured Metastore reports a GetRegionSuffix(), so that multiple
// regions writing into one logical metastore namespace can be told apart
// while still recognizing each other's IK ids as belonging to the same
// partition (see SPEC_FULL.md's region-suffixed partition supplement).
type suffixedPartition struct {
	defaultPartition
	suffix string
}

func newSuffixedPartition(id, service, product, suffix string) suffixedPartition {
	return suffixedPartition{
		defaultPartition: newPartition(id, service, product),
		suffix:           suffix,
	}
}

func (p suffixedPartition) SystemKeyID() string {
	return fmt.Sprintf("_SK_%s_%s_%s", p.service, p.product, p.suffix)
}

func (p suffixedPartition) IntermediateKeyID() string {
	return fmt.Sprintf("_IK_%s_%s_%s_%s", p.id, p.service, p.product, p.suffix)
}

func (p suffixedPartition) IsValidIntermediateKeyID(id string) bool {
	return id == p.IntermediateKeyID() || strings.HasPrefix(id, p.defaultPartition.IntermediateKeyID())
}
