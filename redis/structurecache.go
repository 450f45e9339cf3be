// Package redis implements the shared structure cache over Redis. Cached
// structures are zlib compressed JSON in their at-rest form, keyed by the
// structure's hex id, with no expiration: structures are immutable so an
// entry can only go stale by corruption, never by edit.
package redis

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	log "log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/SharedCode/splitstore"
	"github.com/SharedCode/splitstore/encoding"
)

// keyPrefix namespaces structure entries in the shared Redis DB.
const keyPrefix = "sst:"

// byteStore is the thin command surface the cache needs from Redis. The mock
// implements the same three commands over a map.
type byteStore interface {
	set(ctx context.Context, key string, value []byte) error
	get(ctx context.Context, key string) ([]byte, bool, error)
	del(ctx context.Context, key string) error
}

type structureCache struct {
	store byteStore
}

// NewStructureCache returns a structure cache over the singleton connection.
// Call OpenConnection first.
func NewStructureCache() splitstore.StructureCache {
	return &structureCache{
		store: &redisByteStore{conn: connection},
	}
}

func cacheKey(id splitstore.ObjectID) string {
	return keyPrefix + id.String()
}

// Get returns the cached structure, nil on a miss. A corrupt entry is logged,
// evicted and treated as a miss so the caller reads through to the store.
func (c *structureCache) Get(ctx context.Context, id splitstore.ObjectID) (*splitstore.Structure, error) {
	ba, found, err := c.store.get(ctx, cacheKey(id))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	structure, err := decompressStructure(ba)
	if err != nil {
		log.Warn(fmt.Sprintf("corrupt cache entry for structure %s, evicting: %v", id, err))
		if delErr := c.store.del(ctx, cacheKey(id)); delErr != nil {
			log.Error(fmt.Sprintf("can't evict corrupt cache entry for structure %s: %v", id, delErr))
		}
		return nil, nil
	}
	return structure, nil
}

func (c *structureCache) Set(ctx context.Context, structure *splitstore.Structure) error {
	ba, err := compressStructure(structure)
	if err != nil {
		return err
	}
	return c.store.set(ctx, cacheKey(structure.ID), ba)
}

func (c *structureCache) Delete(ctx context.Context, id splitstore.ObjectID) error {
	return c.store.del(ctx, cacheKey(id))
}

func compressStructure(structure *splitstore.Structure) ([]byte, error) {
	ba, err := encoding.DefaultMarshaler.Marshal(structure.ToStorable())
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(ba); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressStructure(ba []byte) (*splitstore.Structure, error) {
	r, err := zlib.NewReader(bytes.NewReader(ba))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	decompressed, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var storable splitstore.StorableStructure
	if err := encoding.DefaultMarshaler.Unmarshal(decompressed, &storable); err != nil {
		return nil, err
	}
	return storable.FromStorable()
}

// redisByteStore is the live Redis command surface.
type redisByteStore struct {
	conn *Connection
}

func (s *redisByteStore) set(ctx context.Context, key string, value []byte) error {
	if s.conn == nil || s.conn.Client == nil {
		return fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	return s.conn.Client.Set(ctx, key, value, 0).Err()
}

func (s *redisByteStore) get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.conn == nil || s.conn.Client == nil {
		return nil, false, fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	ba, err := s.conn.Client.Get(ctx, key).Bytes()
	// Convert key not found into returning false and nil err.
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return ba, true, nil
}

func (s *redisByteStore) del(ctx context.Context, key string) error {
	if s.conn == nil || s.conn.Client == nil {
		return fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	return s.conn.Client.Del(ctx, key).Err()
}
