// Package locationstore is the client for the content location tracking
// service: a Redis-backed registry answering "which machines hold this
// hash" and supplying the distributed recency estimates behind eviction
// ordering and push admission.
//
// Layout per hash:
//
//	cas:locations:<hash>  sorted set, member = machine, score = last access (unix ms)
//	cas:size:<hash>       declared content size in bytes
//	cas:machines          set of known machines in the cluster
package locationstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"cascache/common"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	machinesKey    = "cas:machines"
	locationPrefix = "cas:locations:"
	sizePrefix     = "cas:size:"
)

// ContentLocations is the bulk lookup result for one hash.
type ContentLocations struct {
	Hash      common.ContentHash
	Size      int64
	Locations []common.MachineLocation
}

// Store talks to the location tracking service on behalf of one machine.
type Store struct {
	rdb  *redis.Client
	self common.MachineLocation
	ttl  time.Duration
}

// NewStore connects to the tracking service and validates connectivity.
// Registered locations expire after ttl unless refreshed.
func NewStore(opts *redis.Options, self common.MachineLocation, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = common.DefaultLocationTTL
	}
	rdb := redis.NewClient(opts)
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to location store: %w", err)
	}
	return &Store{rdb: rdb, self: self, ttl: ttl}, nil
}

// Startup announces this machine to the cluster. It must complete before
// the local store starts so that eviction callbacks find a live tracker.
func (s *Store) Startup(ctx context.Context) error {
	return s.rdb.SAdd(ctx, machinesKey, string(s.self)).Err()
}

// Shutdown withdraws this machine from the cluster set and releases the
// connection. Location entries are left to age out via TTL.
func (s *Store) Shutdown(ctx context.Context) error {
	if err := s.rdb.SRem(ctx, machinesKey, string(s.self)).Err(); err != nil {
		log.Err(err).Msgf("location store: failed to withdraw machine %s", s.self)
	}
	return s.rdb.Close()
}

// GetMachines lists the machines currently announced to the cluster.
func (s *Store) GetMachines(ctx context.Context) ([]common.MachineLocation, error) {
	members, err := s.rdb.SMembers(ctx, machinesKey).Result()
	if err != nil {
		return nil, err
	}
	machines := make([]common.MachineLocation, 0, len(members))
	for _, m := range members {
		machines = append(machines, common.MachineLocation(m))
	}
	return machines, nil
}

// RegisterLocation records machine as a holder of hash, stamping the
// machine's last access to now and refreshing the entry's TTL.
func (s *Store) RegisterLocation(ctx context.Context, hash common.ContentHash, size int64, machine common.MachineLocation) error {
	now := time.Now().UnixMilli()
	key := locationPrefix + hash.String()

	p := s.rdb.Pipeline()
	p.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: string(machine)})
	p.Set(ctx, sizePrefix+hash.String(), size, s.ttl)
	p.Expire(ctx, key, s.ttl)
	if _, err := p.Exec(ctx); err != nil {
		return err
	}
	return nil
}

// UnregisterLocations removes machine as a holder of each hash.
func (s *Store) UnregisterLocations(ctx context.Context, hashes []common.ContentHash, machine common.MachineLocation) error {
	if len(hashes) == 0 {
		return nil
	}
	p := s.rdb.Pipeline()
	for _, hash := range hashes {
		p.ZRem(ctx, locationPrefix+hash.String(), string(machine))
	}
	_, err := p.Exec(ctx)
	return err
}

// GetLocations resolves the current holders and declared size of each hash
// with a single pipelined round trip.
func (s *Store) GetLocations(ctx context.Context, hashes []common.ContentHash) ([]ContentLocations, error) {
	p := s.rdb.Pipeline()
	memberCmds := make([]*redis.StringSliceCmd, len(hashes))
	sizeCmds := make([]*redis.StringCmd, len(hashes))
	for i, hash := range hashes {
		memberCmds[i] = p.ZRange(ctx, locationPrefix+hash.String(), 0, -1)
		sizeCmds[i] = p.Get(ctx, sizePrefix+hash.String())
	}
	if _, err := p.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	results := make([]ContentLocations, 0, len(hashes))
	for i, hash := range hashes {
		members, err := memberCmds[i].Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		entry := ContentLocations{Hash: hash}
		for _, m := range members {
			entry.Locations = append(entry.Locations, common.MachineLocation(m))
		}
		if raw, err := sizeCmds[i].Result(); err == nil {
			if size, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
				entry.Size = size
			}
		}
		results = append(results, entry)
	}
	return results, nil
}

// GetEffectiveLastAccessTimes computes the distributed recency estimate for
// each hash. The effective age is the age of the newest access across all
// replicas, scaled up by the replica count: content that exists in many
// places is treated as older (safer to drop) than a lone replica touched at
// the same instant. Hashes unknown to the tracker come back with
// ReplicaCount zero and a zero LastAccessTime.
func (s *Store) GetEffectiveLastAccessTimes(ctx context.Context, hashes []common.ContentHash) ([]common.ContentEvictionInfo, error) {
	p := s.rdb.Pipeline()
	cmds := make([]*redis.ZSliceCmd, len(hashes))
	for i, hash := range hashes {
		cmds[i] = p.ZRangeWithScores(ctx, locationPrefix+hash.String(), 0, -1)
	}
	if _, err := p.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	now := time.Now()
	infos := make([]common.ContentEvictionInfo, 0, len(hashes))
	for i, hash := range hashes {
		members, err := cmds[i].Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		info := common.ContentEvictionInfo{Hash: hash, ReplicaCount: len(members)}
		if len(members) > 0 {
			var newest float64
			for _, z := range members {
				if z.Score > newest {
					newest = z.Score
				}
			}
			info.LastAccessTime = time.UnixMilli(int64(newest))
			info.EffectiveAge = now.Sub(info.LastAccessTime) * time.Duration(len(members))
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// GetHashesInEvictionOrder ranks the given locally held content from most
// evictable to least: descending effective age, with the machine's own last
// access folded into the recency estimate. The proactive replicator walks
// this ranking in reverse.
func (s *Store) GetHashesInEvictionOrder(ctx context.Context, localContent []common.ContentInfo) ([]common.ContentEvictionInfo, error) {
	hashes := make([]common.ContentHash, len(localContent))
	localAccess := make(map[common.ContentHash]time.Time, len(localContent))
	for i, info := range localContent {
		hashes[i] = info.Hash
		localAccess[info.Hash] = info.LastAccessTime
	}

	infos, err := s.GetEffectiveLastAccessTimes(ctx, hashes)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for i := range infos {
		local := localAccess[infos[i].Hash]
		if local.After(infos[i].LastAccessTime) {
			replicas := infos[i].ReplicaCount
			if replicas < 1 {
				replicas = 1
			}
			infos[i].LastAccessTime = local
			infos[i].EffectiveAge = now.Sub(local) * time.Duration(replicas)
		}
	}

	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].EffectiveAge > infos[j].EffectiveAge
	})
	return infos, nil
}
