// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package registry implements the Partition Location Registry: the
// mapping from (shuffle, partition, epoch) to the primary and replica
// endpoints serving it. Per-key mutation is serialized through a
// hash-striped lock table, and an optional Redis-backed store lets more
// than one worker process agree on the mapping.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shufflerd/shufflerd/internal/pathsafety"
	"github.com/shufflerd/shufflerd/internal/shuffleerr"
)

// Role is a location's side of a primary/replica pair.
type Role byte

const (
	RolePrimary Role = iota
	RoleReplica
)

func (r Role) String() string {
	if r == RoleReplica {
		return "Replica"
	}
	return "Primary"
}

// StorageHint selects the backing medium a File Writer should target.
type StorageHint byte

const (
	StorageMemory StorageHint = iota
	StorageSSD
	StorageHDD
	StorageHDFS
	StorageS3
)

// Location is one PartitionLocation: a single (partition, epoch, role)
// endpoint. PeerRef names the counterpart location (Primary<->Replica)
// by its LocationID; it is never a direct pointer, so the pair can be
// serialized and looked up independently.
type Location struct {
	LocationID    string
	ShuffleKey    ShuffleKey
	PartitionID   uint32
	Epoch         uint32
	Host          string
	RPCPort       int
	PushPort      int
	FetchPort     int
	ReplicatePort int
	Role          Role
	PeerRef       string
	Storage       StorageHint
	DiskMount     string
}

// FileName returns the on-disk/fetch file name for this location:
// "<partition_id>-<epoch>-<role_byte>", matching the persisted state
// layout under <mount>/rss-worker/shuffle_data/<app_id>/<shuffle_id>/.
func (l Location) FileName() string {
	return fmt.Sprintf("%d-%d-%d", l.PartitionID, l.Epoch, byte(l.Role))
}

// ShuffleKey identifies one shuffle.
type ShuffleKey struct {
	AppID     string
	ShuffleID uint32
}

func (k ShuffleKey) String() string {
	return fmt.Sprintf("%s/%d", k.AppID, k.ShuffleID)
}

// Pair is a Primary+Replica PartitionLocation pair for one
// (partition, epoch). Replica is nil for partitions provisioned without
// replication.
type Pair struct {
	Primary Location
	Replica *Location
}

func partitionKey(key ShuffleKey, partitionID uint32) string {
	return fmt.Sprintf("%s/%d", key, partitionID)
}

// Store is the persistence backend a Registry delegates to. The
// in-memory implementation is always available; RedisStore is wired in
// when workers need to share the mapping across processes.
type Store interface {
	Load(ctx context.Context, partitionKey string) (Pair, bool, error)
	Save(ctx context.Context, partitionKey string, pair Pair) error
	Delete(ctx context.Context, partitionKey string) error
}

// memStore is the default Store: a process-local sync.Map.
type memStore struct {
	data sync.Map // partitionKey (string) -> Pair
}

func newMemStore() *memStore { return &memStore{} }

func (m *memStore) Load(_ context.Context, key string) (Pair, bool, error) {
	v, ok := m.data.Load(key)
	if !ok {
		return Pair{}, false, nil
	}
	return v.(Pair), true, nil
}

func (m *memStore) Save(_ context.Context, key string, pair Pair) error {
	m.data.Store(key, pair)
	return nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.data.Delete(key)
	return nil
}

// lockShards fixes the size of the registry's striped lock table. A
// partition key's shard is its xxhash modulo this count.
const lockShards = 64

// Registry resolves (shuffle, partition) to its current epoch's
// Primary/Replica pair and is the single point of truth for epoch bumps
// triggered by splits. Per-key mutation is serialized through a striped
// lock table keyed by the partition key's hash, so two concurrent splits
// on the same partition never race and the table stays a fixed size no
// matter how many partitions come and go.
type Registry struct {
	store Store
	locks [lockShards]sync.Mutex

	// byLocation indexes a location's own id back to its partition key,
	// so a push/fetch connection that only carries a location id (as the
	// wire protocol does) can find its role and peer without scanning
	// every partition.
	byLocation sync.Map // locationID (string) -> partitionKey (string)
}

// New creates a Registry backed by an in-memory map.
func New() *Registry {
	return &Registry{store: newMemStore()}
}

// NewWithStore creates a Registry backed by a custom Store (e.g. Redis).
func NewWithStore(store Store) *Registry {
	return &Registry{store: store}
}

func (r *Registry) lockFor(key string) *sync.Mutex {
	return &r.locks[xxhash.Sum64String(key)%lockShards]
}

// NewLocationID mints a fresh location identifier.
func NewLocationID() string {
	return uuid.NewString()
}

// Register installs the initial Primary/Replica pair for a partition, at
// whatever epoch pair.Primary carries. Fails if the partition already has
// a registered pair.
func (r *Registry) Register(ctx context.Context, key ShuffleKey, partitionID uint32, pair Pair) error {
	if err := pathsafety.ValidateComponent(key.AppID, "app_id"); err != nil {
		return shuffleerr.Wrap(shuffleerr.KindInvalidRequest, "registering partition", err)
	}

	pk := partitionKey(key, partitionID)
	mu := r.lockFor(pk)
	mu.Lock()
	defer mu.Unlock()

	if _, found, err := r.store.Load(ctx, pk); err != nil {
		return err
	} else if found {
		return shuffleerr.New(shuffleerr.KindSlotsUnavailable, fmt.Sprintf("partition %s already registered", pk))
	}

	pair = linkPeers(pair)
	if err := r.store.Save(ctx, pk, pair); err != nil {
		return err
	}
	r.indexLocations(pk, pair)
	return nil
}

func (r *Registry) indexLocations(pk string, pair Pair) {
	r.byLocation.Store(pair.Primary.LocationID, pk)
	if pair.Replica != nil {
		r.byLocation.Store(pair.Replica.LocationID, pk)
	}
}

// ResolveByLocationID finds the Location matching locationID together
// with its full Pair, so a caller holding only a wire-level location id
// (the push/fetch connection's target) can determine its role and its
// peer's endpoint. Returns StageEnd if the location is unknown.
func (r *Registry) ResolveByLocationID(ctx context.Context, locationID string) (Location, Pair, error) {
	v, ok := r.byLocation.Load(locationID)
	if !ok {
		return Location{}, Pair{}, shuffleerr.New(shuffleerr.KindStageEnd, fmt.Sprintf("no location registered for id %s", locationID))
	}
	pk := v.(string)
	pair, found, err := r.store.Load(ctx, pk)
	if err != nil {
		return Location{}, Pair{}, err
	}
	if !found {
		return Location{}, Pair{}, shuffleerr.New(shuffleerr.KindStageEnd, fmt.Sprintf("partition %s no longer registered", pk))
	}
	if pair.Primary.LocationID == locationID {
		return pair.Primary, pair, nil
	}
	if pair.Replica != nil && pair.Replica.LocationID == locationID {
		return *pair.Replica, pair, nil
	}
	// The stored pair moved on to a later epoch: the producer holding
	// this id should re-resolve and push against the successor, exactly
	// the recovery path a hard split demands.
	return Location{}, Pair{}, shuffleerr.New(shuffleerr.KindHardSplit, fmt.Sprintf("location %s superseded by a later epoch", locationID))
}

// Resolve returns the currently registered pair for a partition.
// Returns StageEnd if the registry has no entry (the partition's
// shuffle has ended and the registry was closed/cleared for it).
func (r *Registry) Resolve(ctx context.Context, key ShuffleKey, partitionID uint32) (Pair, error) {
	pk := partitionKey(key, partitionID)
	pair, found, err := r.store.Load(ctx, pk)
	if err != nil {
		return Pair{}, err
	}
	if !found {
		return Pair{}, shuffleerr.New(shuffleerr.KindStageEnd, fmt.Sprintf("no registered location for partition %s", pk))
	}
	return pair, nil
}

// Bump installs newPair at a higher epoch, the outcome of a soft or hard
// split. Fails if newPair's epoch is not strictly greater than the
// current one, preventing a stale split request from regressing the
// mapping.
func (r *Registry) Bump(ctx context.Context, key ShuffleKey, partitionID uint32, newPair Pair) error {
	pk := partitionKey(key, partitionID)
	mu := r.lockFor(pk)
	mu.Lock()
	defer mu.Unlock()

	current, found, err := r.store.Load(ctx, pk)
	if err != nil {
		return err
	}
	if found && newPair.Primary.Epoch <= current.Primary.Epoch {
		return shuffleerr.New(shuffleerr.KindHardSplit, fmt.Sprintf("epoch %d is not newer than current %d for partition %s", newPair.Primary.Epoch, current.Primary.Epoch, pk))
	}

	newPair = linkPeers(newPair)
	if err := r.store.Save(ctx, pk, newPair); err != nil {
		return err
	}
	// The old epoch's location ids stay resolvable (ResolveByLocationID
	// checks the stored pair still matches) so in-flight pushes against
	// the draining epoch fail with a clear "superseded" error rather than
	// a confusing StageEnd.
	r.indexLocations(pk, newPair)
	return nil
}

// Close removes a partition's registration once its shuffle ends, so
// subsequent Resolve calls observe StageEnd.
func (r *Registry) Close(ctx context.Context, key ShuffleKey, partitionID uint32) error {
	pk := partitionKey(key, partitionID)
	mu := r.lockFor(pk)
	mu.Lock()
	defer mu.Unlock()

	if pair, found, err := r.store.Load(ctx, pk); err == nil && found {
		r.byLocation.Delete(pair.Primary.LocationID)
		if pair.Replica != nil {
			r.byLocation.Delete(pair.Replica.LocationID)
		}
	}
	return r.store.Delete(ctx, pk)
}

// linkPeers fills in PeerRef on both sides of the pair and mints
// LocationIDs where missing, maintaining the invariant that a Primary's
// peer_ref names exactly the Replica sharing its (partition, epoch) and
// vice versa.
func linkPeers(pair Pair) Pair {
	if pair.Primary.LocationID == "" {
		pair.Primary.LocationID = NewLocationID()
	}
	pair.Primary.Role = RolePrimary
	if pair.Replica == nil {
		pair.Primary.PeerRef = ""
		return pair
	}
	if pair.Replica.LocationID == "" {
		pair.Replica.LocationID = NewLocationID()
	}
	pair.Replica.Role = RoleReplica
	pair.Replica.Epoch = pair.Primary.Epoch
	pair.Replica.PartitionID = pair.Primary.PartitionID
	pair.Replica.ShuffleKey = pair.Primary.ShuffleKey
	pair.Primary.PeerRef = pair.Replica.LocationID
	pair.Replica.PeerRef = pair.Primary.LocationID
	return pair
}

// redisStore persists pairs in Redis, keyed under a fixed prefix, so
// multiple worker processes agree on the mapping. Values are encoded by
// the caller-supplied codec to avoid pulling a serialization dependency
// into this package beyond what the pair's own fields need.
type redisStore struct {
	client *redis.Client
	prefix string
	codec  Codec
}

// Codec (de)serializes a Pair for the Redis backend.
type Codec interface {
	Encode(Pair) ([]byte, error)
	Decode([]byte) (Pair, error)
}

// NewRedisStore builds a Store backed by the given Redis client. keyPrefix
// namespaces keys (e.g. "shufflerd:registry:") so the registry can share
// a Redis instance with other consumers.
func NewRedisStore(client *redis.Client, keyPrefix string, codec Codec) Store {
	return &redisStore{client: client, prefix: keyPrefix, codec: codec}
}

func (s *redisStore) key(partitionKey string) string {
	return s.prefix + partitionKey
}

func (s *redisStore) Load(ctx context.Context, partitionKey string) (Pair, bool, error) {
	raw, err := s.client.Get(ctx, s.key(partitionKey)).Bytes()
	if err == redis.Nil {
		return Pair{}, false, nil
	}
	if err != nil {
		return Pair{}, false, fmt.Errorf("registry: redis get %s: %w", partitionKey, err)
	}
	pair, err := s.codec.Decode(raw)
	if err != nil {
		return Pair{}, false, fmt.Errorf("registry: decoding %s: %w", partitionKey, err)
	}
	return pair, true, nil
}

func (s *redisStore) Save(ctx context.Context, partitionKey string, pair Pair) error {
	raw, err := s.codec.Encode(pair)
	if err != nil {
		return fmt.Errorf("registry: encoding %s: %w", partitionKey, err)
	}
	if err := s.client.Set(ctx, s.key(partitionKey), raw, 0).Err(); err != nil {
		return fmt.Errorf("registry: redis set %s: %w", partitionKey, err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, partitionKey string) error {
	if err := s.client.Del(ctx, s.key(partitionKey)).Err(); err != nil {
		return fmt.Errorf("registry: redis del %s: %w", partitionKey, err)
	}
	return nil
}

// JSONCodec is the default Codec for NewRedisStore. Pair's fields are
// all plain value types, so there is no wire-compatibility reason to
// reach for a binary codec here (unlike the batch/RPC framing in
// internal/wire, which is a stable cross-version contract).
type JSONCodec struct{}

func (JSONCodec) Encode(p Pair) ([]byte, error) { return json.Marshal(p) }

func (JSONCodec) Decode(raw []byte) (Pair, error) {
	var p Pair
	err := json.Unmarshal(raw, &p)
	return p, err
}
