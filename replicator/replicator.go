// Package replicator runs the proactive replication loop: per interval it
// walks locally held content from most-likely-to-survive outward and pushes
// under-replicated hashes to peers, under a per-iteration copy limit.
package replicator

import (
	"context"
	"sort"
	"time"

	"cascache/common"
	"cascache/locationstore"
	"cascache/utils"

	"github.com/rs/zerolog/log"
)

// Source is what the loop needs from the distributed session. The eviction
// ranking comes back most-evictable first; the loop walks it in reverse so
// content that would survive longest is replicated first.
type Source interface {
	LocalContent(ctx context.Context) ([]common.ContentInfo, error)
	EvictionOrder(ctx context.Context, content []common.ContentInfo) ([]common.ContentEvictionInfo, error)
	Locations(ctx context.Context, hashes []common.ContentHash) ([]locationstore.ContentLocations, error)
	// PushContent replicates hash to one peer that is not already a holder.
	PushContent(ctx context.Context, hash common.ContentHash, holders []common.MachineLocation) common.CopyResult
}

// Replicator owns no goroutines of its own; Run blocks until ctx is
// cancelled and is meant to be launched by the session.
type Replicator struct {
	source   Source
	settings common.Settings
	counters *common.ReplicationCounters
}

func New(source Source, settings common.Settings, counters *common.ReplicationCounters) *Replicator {
	return &Replicator{source: source, settings: settings, counters: counters}
}

// Run executes one iteration per configured interval until ctx is
// cancelled. Under inline configuration it runs exactly one iteration and
// returns.
func (r *Replicator) Run(ctx context.Context) {
	if r.settings.InlineReplication {
		r.iterate(ctx)
		return
	}

	ticker := time.NewTicker(r.settings.ReplicationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.iterate(ctx)
		}
	}
}

// iterate performs one replication pass. Cancellation mid-pass terminates
// the loop without counting the aborted copy as a failure.
func (r *Replicator) iterate(ctx context.Context) {
	content, err := r.source.LocalContent(ctx)
	if err != nil {
		log.Err(err).Msg("replicator: failed to enumerate local content")
		return
	}
	if len(content) == 0 {
		return
	}

	// the ranking function expects its input most-recently-used first
	ranked, err := r.source.EvictionOrder(ctx, sortByDescendingRecency(content))
	if err != nil {
		log.Err(err).Msg("replicator: failed to rank local content")
		return
	}
	candidates := utils.Reverse(ranked)

	copies := 0
	previousSkipped := true
	for _, batch := range utils.Batch(candidates, r.settings.ReplicationBatchSize) {
		hashes := utils.Map(batch, func(info common.ContentEvictionInfo) common.ContentHash {
			return info.Hash
		})
		locations, err := r.source.Locations(ctx, hashes)
		if err != nil {
			log.Err(err).Msg("replicator: bulk location lookup failed")
			return
		}
		holders := make(map[common.ContentHash][]common.MachineLocation, len(locations))
		for _, entry := range locations {
			holders[entry.Hash] = entry.Locations
		}

		for _, info := range batch {
			if ctx.Err() != nil {
				return
			}
			r.counters.Scanned.Add(1)

			if len(holders[info.Hash]) >= r.settings.ReplicaThreshold {
				r.counters.Skipped.Add(1)
				previousSkipped = true
				continue
			}

			// back-pressure only after attempts that did real work
			if !previousSkipped && r.settings.InterCopyDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(r.settings.InterCopyDelay):
				}
			}

			result := r.source.PushContent(ctx, info.Hash, holders[info.Hash])
			previousSkipped = false
			switch result.Code {
			case common.CopySuccess:
				r.counters.Succeeded.Add(1)
				copies++
			case common.CopyRejected:
				log.Debug().Msgf("replicator: push of %s declined: %s", info.Hash.Short(), result.Rejection)
				r.counters.Rejected.Add(1)
			case common.CopyCancelled:
				return
			case common.CopyNotFound:
				// no peer left to push to, treated as a skip
				r.counters.Skipped.Add(1)
				previousSkipped = true
			default:
				log.Warn().Msgf("replicator: push of %s failed: %s", info.Hash.Short(), result.ErrorMessage)
				r.counters.Failed.Add(1)
				copies++
			}

			if copies >= r.settings.ReplicationCopyLimit {
				log.Debug().Msgf("replicator: copy limit %d reached, ending iteration", copies)
				return
			}
		}
	}
}

func sortByDescendingRecency(content []common.ContentInfo) []common.ContentInfo {
	sorted := make([]common.ContentInfo, len(content))
	copy(sorted, content)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].LastAccessTime.After(sorted[j].LastAccessTime)
	})
	return sorted
}
