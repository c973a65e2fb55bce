package orchestrator

import (
	"orderflow-pipeline/internal/store"
	"orderflow-pipeline/internal/timeprovider"
	"orderflow-pipeline/pkg/types"
)

// ManifestBuilder creates and finalizes the per-run RunManifest:
// created at start with component versions and config digest, updated as
// DQ/sink/parity results become known, and persisted via store.Store on
// every Finalize so an interrupted run leaves a recoverable manifest.
type ManifestBuilder struct {
	manifest types.RunManifest
	store    *store.Store
	clock    timeprovider.TimeProvider
}

// NewManifestBuilder creates a manifest for runID, stamping StartTsMs from
// clock and persisting to st.
func NewManifestBuilder(runID string, componentVersions map[string]string, configDigest, gitHash string, clock timeprovider.TimeProvider, st *store.Store) *ManifestBuilder {
	return &ManifestBuilder{
		manifest: types.RunManifest{
			RunID:             runID,
			StartTsMs:         clock.NowMs(),
			ComponentVersions: componentVersions,
			ConfigDigest:      configDigest,
			DQSummary:         make(map[string]int64),
			SinkCounts:        make(map[string]int64),
			ParityResults:     make(map[string]bool),
			GitHash:           gitHash,
		},
		store: st,
		clock: clock,
	}
}

// Start persists the initial manifest so a crash before Finalize still
// leaves a recoverable start record.
func (b *ManifestBuilder) Start() error {
	return b.store.SaveManifest(b.manifest)
}

// MergeDQSummary folds a worker's DQ violation counts into the run-wide
// summary, keyed by reason.
func (b *ManifestBuilder) MergeDQSummary(counts map[string]int64) {
	for k, v := range counts {
		b.manifest.DQSummary[k] += v
	}
}

// MergeSinkCounts folds a worker's published-row counts into the run-wide
// summary, keyed by sink name (e.g. "canonical_BTC-USD", "signal_BTC-USD").
func (b *ManifestBuilder) MergeSinkCounts(counts map[string]int64) {
	for k, v := range counts {
		b.manifest.SinkCounts[k] += v
	}
}

// SetParityResult records the pass/fail outcome of a dual-sink parity
// check for one sink name.
func (b *ManifestBuilder) SetParityResult(sinkName string, passed bool) {
	b.manifest.ParityResults[sinkName] = passed
}

// SetEnvSnapshot records the operational environment variables in effect
// for this run.
func (b *ManifestBuilder) SetEnvSnapshot(env map[string]string) {
	b.manifest.EnvSnapshot = env
}

// Finalize stamps EndTsMs, flags NoSignals if the run produced zero
// signal records after warmup, and
// persists the completed manifest.
func (b *ManifestBuilder) Finalize(noSignals bool) (types.RunManifest, error) {
	b.manifest.EndTsMs = b.clock.NowMs()
	b.manifest.NoSignals = noSignals
	if err := b.store.SaveManifest(b.manifest); err != nil {
		return b.manifest, err
	}
	return b.manifest, nil
}

// Manifest returns a snapshot of the manifest as built so far.
func (b *ManifestBuilder) Manifest() types.RunManifest {
	return b.manifest
}
