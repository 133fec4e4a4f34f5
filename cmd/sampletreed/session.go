package main

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/sampletree/internal/frame"
	"github.com/getsentry/sampletree/internal/profile"
	"github.com/getsentry/sampletree/internal/sample"
)

// session holds an imported trace and the result computed over all of its
// samples. Filtered results are recomputed per request and never cached.
type session struct {
	id       string
	created  time.Time
	store    *sample.Store
	registry *frame.MapRegistry
	result   *profile.Result
}

type sessionCache struct {
	lru *expirable.LRU[string, *session]
}

func newSessionCache(size int, ttl time.Duration) *sessionCache {
	onEvict := func(id string, s *session) {
		log.Debug().Str("session_id", id).Dur("age", time.Since(s.created)).Msg("session evicted")
	}
	return &sessionCache{lru: expirable.NewLRU[string, *session](size, onEvict, ttl)}
}

func (c *sessionCache) add(s *session) {
	c.lru.Add(s.id, s)
}

func (c *sessionCache) get(id string) (*session, bool) {
	return c.lru.Get(id)
}

func (c *sessionCache) remove(id string) bool {
	return c.lru.Remove(id)
}

func (c *sessionCache) len() int {
	return c.lru.Len()
}
