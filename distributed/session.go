// Package distributed wraps the machine-local content store with cluster
// semantics: location registration and lookup, delete propagation across
// replicas, the eviction-age push admission rule, copy-request handling and
// the proactive replication loop.
package distributed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"cascache/common"
	"cascache/contentserver"
	"cascache/copier"
	filesystem "cascache/file_system"
	"cascache/localstore"
	"cascache/locationstore"
	"cascache/replicator"
	"cascache/utils"

	"github.com/olekukonko/tablewriter"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Config assembles a Session. Addr is both the listen address and the
// location advertised to the tracker, so it must be reachable by peers.
type Config struct {
	Addr         common.MachineLocation
	RedisOptions *redis.Options
	Root         string // content-addressed store root
	ScratchRoot  string // receive target for inbound pushes and copy requests
	Settings     common.Settings
}

// Session is one machine's membership in the distributed cache. It owns the
// local store, the location tracker client, the content server and the
// proactive replication loop, and implements the server's admission,
// registration and control-plane callbacks.
type Session struct {
	self     common.MachineLocation
	settings common.Settings

	locations *locationstore.Store
	local     *localstore.DiskStore
	copier    *copier.Copier
	server    *contentserver.Server
	scratch   *filesystem.FileSystem

	// unix nanos of the most recent eviction watermark, last-writer-wins
	watermark atomic.Int64
	counters  common.ReplicationCounters

	replCancel context.CancelFunc
	replDone   chan struct{}
}

// NewSession connects to the location tracker and wires the components
// together. Call Startup to begin serving.
func NewSession(cfg Config) (*Session, error) {
	locations, err := locationstore.NewStore(cfg.RedisOptions, cfg.Addr, cfg.Settings.LocationTTL)
	if err != nil {
		return nil, err
	}

	s := &Session{
		self:      cfg.Addr,
		settings:  cfg.Settings,
		locations: locations,
		local:     localstore.NewDiskStore(cfg.Root),
		copier:    copier.NewCopier(cfg.Settings),
		scratch:   filesystem.NewFileSystem(cfg.ScratchRoot),
	}
	s.local.SetEvictionHandler(func(ctx context.Context, evicted []common.ContentHash, minEffectiveAge time.Duration) {
		if err := s.UnregisterFromTracker(ctx, evicted, minEffectiveAge); err != nil {
			log.Err(err).Msgf("session %s: failed to unregister %d evicted hashes", s.self, len(evicted))
		}
	})
	s.server = contentserver.NewServer(contentserver.Config{
		Addr:        cfg.Addr,
		Settings:    cfg.Settings,
		Stores:      []localstore.ContentStore{s.local},
		Policy:      s,
		Registrar:   s,
		Control:     s,
		ScratchRoot: cfg.ScratchRoot,
	})
	return s, nil
}

// Startup brings the session online: tracker registration first (eviction
// callbacks from the local store need a live tracker), then the local store,
// then the content server, then the replication loop.
func (s *Session) Startup(ctx context.Context) error {
	if err := s.scratch.MkDir("."); err != nil {
		return err
	}
	if err := s.locations.Startup(ctx); err != nil {
		return err
	}
	if err := s.local.Startup(ctx); err != nil {
		return err
	}
	if err := s.server.Start(); err != nil {
		return err
	}

	if s.settings.ReplicationInterval > 0 || s.settings.InlineReplication {
		replCtx, cancel := context.WithCancel(context.Background())
		s.replCancel = cancel
		s.replDone = make(chan struct{})
		go func() {
			defer close(s.replDone)
			replicator.New(s, s.settings, &s.counters).Run(replCtx)
		}()
	}

	log.Info().Msgf("session %s online", s.self)
	return nil
}

// Shutdown tears the session down in reverse startup order. Failures from
// each sub-shutdown are aggregated rather than short-circuiting.
func (s *Session) Shutdown(ctx context.Context) error {
	if s.replCancel != nil {
		s.replCancel()
		<-s.replDone
	}
	err := errors.Join(
		s.server.Shutdown(),
		s.local.Shutdown(ctx),
		s.locations.Shutdown(ctx),
	)
	log.Info().Msgf("session %s offline", s.self)
	return err
}

// Addr returns the location this session advertises to the cluster.
func (s *Session) Addr() common.MachineLocation {
	return s.self
}

// Counters exposes the running proactive replication totals.
func (s *Session) Counters() *common.ReplicationCounters {
	return &s.counters
}

// EvictionWatermark returns the effective last-access time of the most
// recently evicted content, or the zero time when nothing has been evicted.
func (s *Session) EvictionWatermark() time.Time {
	nanos := s.watermark.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// RegisterLocal records this machine as a holder of hash with the tracker.
func (s *Session) RegisterLocal(ctx context.Context, hash common.ContentHash, size int64) error {
	return s.locations.RegisterLocation(ctx, hash, size, s.self)
}

// UnregisterFromTracker withdraws this machine as a holder of the given
// hashes. Hashes the local store still contains are filtered out, guarding
// against content re-added between the eviction decision and this call. A
// positive minEffectiveAge advances the eviction watermark to now minus
// that age.
func (s *Session) UnregisterFromTracker(ctx context.Context, hashes []common.ContentHash, minEffectiveAge time.Duration) error {
	if minEffectiveAge > 0 {
		s.watermark.Store(time.Now().Add(-minEffectiveAge).UnixNano())
	}
	gone := utils.Filter(hashes, func(hash common.ContentHash) bool {
		return !s.local.Contains(ctx, hash)
	})
	if len(gone) == 0 {
		return nil
	}
	return s.locations.UnregisterLocations(ctx, gone, s.self)
}

// CanAcceptContent is the push admission policy: the local store's own check
// first, then the eviction-age rule. Content whose distributed effective
// last-access time falls behind the watermark would be evicted right back
// out, so it is declined up front. Hashes unknown to the tracker pass; a
// tracker lookup failure also passes, favoring availability.
func (s *Session) CanAcceptContent(ctx context.Context, hash common.ContentHash) (bool, common.RejectionReason) {
	if ok, reason := s.local.CanAccept(ctx, hash); !ok {
		return false, reason
	}
	if !s.settings.RejectOlderThanEvicted {
		return true, common.RejectionNone
	}
	nanos := s.watermark.Load()
	if nanos == 0 {
		return true, common.RejectionNone
	}

	infos, err := s.locations.GetEffectiveLastAccessTimes(ctx, []common.ContentHash{hash})
	if err != nil {
		log.Err(err).Msgf("session %s: eviction-age lookup for %s failed, admitting", s.self, hash.Short())
		return true, common.RejectionNone
	}
	info := infos[0]
	if info.ReplicaCount == 0 {
		return true, common.RejectionNone
	}
	if time.Now().Add(-info.EffectiveAge).Before(time.Unix(0, nanos)) {
		return false, common.RejectionOlderThanEvicted
	}
	return true, common.RejectionNone
}

// Delete removes hash locally and, unless localOnly is set, propagates the
// delete to every other known holder. A failed local delete stops the
// operation; remote outcomes are reported per machine without one failure
// aborting the rest.
func (s *Session) Delete(ctx context.Context, hash common.ContentHash, localOnly bool) (map[common.MachineLocation]error, error) {
	if err := s.local.Delete(ctx, hash); err != nil {
		return nil, err
	}
	if err := s.locations.UnregisterLocations(ctx, []common.ContentHash{hash}, s.self); err != nil {
		log.Err(err).Msgf("session %s: failed to unregister deleted %s", s.self, hash.Short())
	}
	if localOnly {
		return nil, nil
	}

	entries, err := s.locations.GetLocations(ctx, []common.ContentHash{hash})
	if err != nil {
		return nil, err
	}
	results := make(map[common.MachineLocation]error)
	for _, machine := range entries[0].Locations {
		if machine == s.self {
			continue
		}
		results[machine] = s.copier.DeleteRemote(machine, hash)
	}
	return results, nil
}

// DeleteContent handles a remote-initiated delete: drop the local replica
// and withdraw the registration. It never propagates further, the
// originating machine owns the fan-out. Deleting absent content succeeds.
func (s *Session) DeleteContent(ctx context.Context, hash common.ContentHash) error {
	if err := s.local.Delete(ctx, hash); err != nil && !errors.Is(err, localstore.ErrContentNotFound) {
		return err
	}
	return s.locations.UnregisterLocations(ctx, []common.ContentHash{hash}, s.self)
}

// HandleCopyRequest makes hash available locally by pulling it from source,
// finalizing it into the store and registering the new location.
func (s *Session) HandleCopyRequest(ctx context.Context, hash common.ContentHash, source common.MachineLocation) common.ContentAvailabilityResult {
	if s.local.Contains(ctx, hash) {
		return common.ContentAvailabilityResult{Hash: hash, IsAvailable: true}
	}

	tmp, err := s.scratch.TempFile("fetch-*.tmp")
	if err != nil {
		return common.ContentAvailabilityResult{Hash: hash, FailureType: common.CopyErrorGeneric}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	result := s.copier.CopyFrom(ctx, source, hash, tmp)
	if closeErr := tmp.Close(); closeErr != nil && result.Succeeded() {
		result = common.CopyResult{Code: common.CopyError, ErrorMessage: closeErr.Error()}
	}
	if !result.Succeeded() {
		log.Warn().Msgf("session %s: copy request for %s from %s failed: %s", s.self, hash.Short(), source, result.Code)
		return common.ContentAvailabilityResult{
			Hash:             hash,
			BytesTransferred: result.BytesTransferred,
			SourceCache:      string(source),
			FailureType:      result.Code.String(),
		}
	}

	if _, err := s.local.AcceptPush(ctx, hash, tmpPath); err != nil {
		log.Err(err).Msgf("session %s: finalization of requested copy %s failed", s.self, hash.Short())
		return common.ContentAvailabilityResult{Hash: hash, SourceCache: string(source), FailureType: common.CopyErrorGeneric}
	}
	if err := s.RegisterLocal(ctx, hash, result.BytesTransferred); err != nil {
		log.Err(err).Msgf("session %s: failed to register requested copy %s", s.self, hash.Short())
	}
	return common.ContentAvailabilityResult{
		Hash:             hash,
		IsAvailable:      true,
		BytesTransferred: result.BytesTransferred,
		SourceCache:      string(source),
	}
}

// FetchContent streams hash into dst, serving from the local store when
// possible and otherwise fanning out across known holders. Only a typed
// not-found moves on to the next holder; any other failure is final because
// dst may have received partial bytes.
func (s *Session) FetchContent(ctx context.Context, hash common.ContentHash, dst io.Writer) common.CopyResult {
	if s.local.Contains(ctx, hash) {
		stream, _, err := s.local.OpenStream(ctx, hash)
		if err == nil {
			written, copyErr := io.Copy(dst, stream)
			stream.Close()
			if copyErr != nil {
				return common.CopyResult{Code: common.CopyError, BytesTransferred: written, ErrorMessage: copyErr.Error()}
			}
			return common.CopyResult{Code: common.CopySuccess, BytesTransferred: written}
		}
	}

	entries, err := s.locations.GetLocations(ctx, []common.ContentHash{hash})
	if err != nil {
		return common.CopyResult{Code: common.CopyError, ErrorMessage: err.Error()}
	}
	last := common.CopyResult{Code: common.CopyNotFound, ErrorMessage: "no known locations"}
	for _, machine := range entries[0].Locations {
		if machine == s.self {
			continue
		}
		last = s.copier.CopyFrom(ctx, machine, hash, dst)
		if last.Code != common.CopyNotFound {
			return last
		}
	}
	return last
}

// LocalContent enumerates the locally held content for the replication loop.
func (s *Session) LocalContent(ctx context.Context) ([]common.ContentInfo, error) {
	return s.local.GetContentInfo(ctx)
}

// EvictionOrder ranks the given content most-evictable first using the
// tracker's distributed recency estimates.
func (s *Session) EvictionOrder(ctx context.Context, content []common.ContentInfo) ([]common.ContentEvictionInfo, error) {
	return s.locations.GetHashesInEvictionOrder(ctx, content)
}

// Locations resolves the current holders of each hash in one bulk call.
func (s *Session) Locations(ctx context.Context, hashes []common.ContentHash) ([]locationstore.ContentLocations, error) {
	return s.locations.GetLocations(ctx, hashes)
}

// PushContent replicates hash to one machine that does not already hold it.
// A not-found result means no eligible peer exists; the replication loop
// counts that as a skip.
func (s *Session) PushContent(ctx context.Context, hash common.ContentHash, holders []common.MachineLocation) common.CopyResult {
	machines, err := s.locations.GetMachines(ctx)
	if err != nil {
		return common.CopyResult{Code: common.CopyError, ErrorMessage: err.Error()}
	}
	taken := make(map[common.MachineLocation]struct{}, len(holders)+1)
	taken[s.self] = struct{}{}
	for _, machine := range holders {
		taken[machine] = struct{}{}
	}
	candidates := utils.Filter(machines, func(machine common.MachineLocation) bool {
		_, held := taken[machine]
		return !held
	})
	if len(candidates) == 0 {
		return common.CopyResult{Code: common.CopyNotFound, ErrorMessage: "no eligible peers"}
	}

	picked, err := utils.Sample(len(candidates), 1)
	if err != nil {
		return common.CopyResult{Code: common.CopyError, ErrorMessage: err.Error()}
	}
	peer := candidates[picked[0]]

	stream, _, err := s.local.OpenStream(ctx, hash)
	if err != nil {
		return common.CopyResult{Code: common.CopyError, ErrorMessage: err.Error()}
	}
	defer stream.Close()
	return s.copier.PushTo(ctx, peer, hash, stream)
}

// Report renders the replication counter totals as a table and logs it.
func (s *Session) Report() string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.Header([]string{"Metric", "Value"})
	table.Append([]string{"Scanned", fmt.Sprintf("%d", s.counters.Scanned.Load())})
	table.Append([]string{"Succeeded", fmt.Sprintf("%d", s.counters.Succeeded.Load())})
	table.Append([]string{"Failed", fmt.Sprintf("%d", s.counters.Failed.Load())})
	table.Append([]string{"Skipped", fmt.Sprintf("%d", s.counters.Skipped.Load())})
	table.Append([]string{"Rejected", fmt.Sprintf("%d", s.counters.Rejected.Load())})
	table.Render()
	report := buf.String()
	log.Info().Msgf("replication report for %s:\n%s", s.self, report)
	return report
}
