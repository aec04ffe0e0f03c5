package core

import (
	"fmt"
	"maps"

	"LendLedger/internal/protocol"
)

// SequenceValidator tracks the feeder sequence of every price partition.
// Not thread-safe; only accessed under the core lock.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         NewSequenceMetrics(),
	}
}

func pricePartition(asset protocol.Asset) string {
	return fmt.Sprintf("price:%s", asset)
}

// CheckPriceSequence reports whether a price update is newer than the last
// accepted one. Gaps are tolerated and counted.
func (sv *SequenceValidator) CheckPriceSequence(asset protocol.Asset, priceSequence int64) bool {
	partition := pricePartition(asset)
	expected := sv.expectedNextSeq[partition]

	if priceSequence < expected {
		sv.metrics.RecordStale(partition)
		return false
	}
	if priceSequence > expected && expected > 0 {
		sv.metrics.RecordGap(partition, expected, priceSequence)
	}
	return true
}

// AcceptPriceSequence advances the partition past priceSequence.
func (sv *SequenceValidator) AcceptPriceSequence(asset protocol.Asset, priceSequence int64) {
	sv.expectedNextSeq[pricePartition(asset)] = priceSequence + 1
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition sets the expected sequence on snapshot restore.
func (sv *SequenceValidator) RestorePartition(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions copies the partition table for snapshots.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	return maps.Clone(sv.expectedNextSeq)
}

func (sv *SequenceValidator) Metrics() *SequenceMetrics {
	return sv.metrics
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
// Not thread-safe; only accessed under the core lock.
type SequenceMetrics struct {
	gaps  map[string]int64 // partition -> gap count
	stale map[string]int64 // partition -> dropped stale updates
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:  make(map[string]int64),
		stale: make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string, expected, got int64) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordStale(partition string) {
	m.stale[partition]++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetStale(partition string) int64 {
	return m.stale[partition]
}
