// Copyright (C) 2024 The Longbox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package comicvine

import (
	"encoding/binary"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	cacheTTL     = 24 * time.Hour
	memCacheSize = 256
)

// A Cache holds raw API responses on disk so that refreshes do not count
// against the rate limit twice. Keys are `endpoint \x00 url`; values carry
// the fetch time and expire after the TTL. A small in-memory LRU fronts the
// store.
type Cache struct {
	ldb *leveldb.DB
	mem *lru.Cache[string, []byte]
	ttl time.Duration
	now func() time.Time
}

// OpenCache opens (or creates) the response cache in dir. A corrupted store
// is recovered in place; the cache holds nothing irreplaceable.
func OpenCache(dir string) (*Cache, error) {
	ldb, err := leveldb.OpenFile(dir, nil)
	if ldberrors.IsCorrupted(err) {
		l.Infoln("Response cache corrupted, recovering")
		ldb, err = leveldb.RecoverFile(dir, nil)
	}
	if err != nil {
		return nil, err
	}
	mem, _ := lru.New[string, []byte](memCacheSize)
	return &Cache{
		ldb: ldb,
		mem: mem,
		ttl: cacheTTL,
		now: time.Now,
	}, nil
}

func (c *Cache) Close() error {
	return c.ldb.Close()
}

func cacheKey(endpoint, url string) string {
	return endpoint + "\x00" + url
}

// get returns the cached body for the request, if present and fresh.
func (c *Cache) get(endpoint, url string) ([]byte, bool) {
	key := cacheKey(endpoint, url)
	val, ok := c.mem.Get(key)
	if !ok {
		var err error
		val, err = c.ldb.Get([]byte(key), nil)
		if err != nil {
			return nil, false
		}
	}
	body, ok := c.unpack(val)
	if !ok {
		// Stale or malformed; drop it so the next put starts clean.
		c.mem.Remove(key)
		if err := c.ldb.Delete([]byte(key), nil); err != nil {
			l.Debugln("Dropping stale cache entry:", err)
		}
		return nil, false
	}
	c.mem.Add(key, val)
	return body, true
}

// put stores the body for the request.
func (c *Cache) put(endpoint, url string, body []byte) {
	key := cacheKey(endpoint, url)
	val := c.pack(body)
	c.mem.Add(key, val)
	if err := c.ldb.Put([]byte(key), val, nil); err != nil {
		l.Warnln("Writing response cache:", err)
	}
}

// removeMatching drops every entry under the endpoint whose URL contains
// match.
func (c *Cache) removeMatching(endpoint, match string) {
	prefix := endpoint + "\x00"
	for _, key := range c.mem.Keys() {
		if strings.HasPrefix(key, prefix) && strings.Contains(key, match) {
			c.mem.Remove(key)
		}
	}

	iter := c.ldb.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		if strings.Contains(string(iter.Key()), match) {
			if err := c.ldb.Delete(iter.Key(), nil); err != nil {
				l.Debugln("Dropping cache entry:", err)
			}
		}
	}
}

// pack prepends the fetch time to the body.
func (c *Cache) pack(body []byte) []byte {
	val := make([]byte, 8+len(body))
	binary.BigEndian.PutUint64(val, uint64(c.now().Unix()))
	copy(val[8:], body)
	return val
}

// unpack splits an entry into its body, reporting false when the entry has
// expired or cannot be decoded.
func (c *Cache) unpack(val []byte) ([]byte, bool) {
	if len(val) < 8 {
		return nil, false
	}
	fetchedAt := time.Unix(int64(binary.BigEndian.Uint64(val)), 0)
	if c.now().Sub(fetchedAt) > c.ttl {
		return nil, false
	}
	return val[8:], true
}
