// Copyright 2024 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dns

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/net/dns/dnsmessage"
)

// CacheSize is the number of responses kept by the resolver cache.
const CacheSize = 1024

// Negative answers and responses without answers are kept this long.
const negativeCacheTTL = 60 * time.Second

// canonicalName returns the domain name in canonical form. A name in canonical
// form is lowercase and fully qualified. Only US-ASCII letters are affected. See
// Section 6.2 in RFC 4034.
func canonicalName(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		return r
	}, s)
}

func makeCacheKey(q dnsmessage.Question) string {
	domainKey := canonicalName(q.Name.String())
	return strings.Join([]string{domainKey, q.Type.String(), q.Class.String()}, "|")
}

type cacheEntry struct {
	msg    *dnsmessage.Message
	expire time.Time
}

// cacheRoundTripper is a caching [RoundTripper] that expires entries after the
// smallest TTL among the answers. It doesn't dedup duplicate in-flight requests.
type cacheRoundTripper struct {
	rt    RoundTripper
	cache *lru.Cache[string, cacheEntry]
	now   func() time.Time
}

var _ RoundTripper = (*cacheRoundTripper)(nil)

// NewCacheRoundTripper wraps rt with a least-recently-used cache of up to numEntries responses.
// Only successful and NXDOMAIN responses are cached.
func NewCacheRoundTripper(rt RoundTripper, numEntries int) (RoundTripper, error) {
	cache, err := lru.New[string, cacheEntry](numEntries)
	if err != nil {
		return nil, err
	}
	return &cacheRoundTripper{rt: rt, cache: cache, now: time.Now}, nil
}

// RoundTrip implements [RoundTripper].
func (r *cacheRoundTripper) RoundTrip(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
	key := makeCacheKey(q)
	if entry, ok := r.cache.Get(key); ok {
		if entry.expire.After(r.now()) {
			return entry.msg, nil
		}
		r.cache.Remove(key)
	}
	msg, err := r.rt.RoundTrip(ctx, q)
	if err != nil {
		return nil, err
	}
	if msg.RCode == dnsmessage.RCodeSuccess || msg.RCode == dnsmessage.RCodeNameError {
		if ttl := responseTTL(msg); ttl > 0 {
			r.cache.Add(key, cacheEntry{msg: msg, expire: r.now().Add(ttl)})
		}
	}
	return msg, nil
}

// responseTTL returns the smallest TTL of the answers, or [negativeCacheTTL] if there are none.
func responseTTL(msg *dnsmessage.Message) time.Duration {
	if len(msg.Answers) == 0 {
		return negativeCacheTTL
	}
	minTTL := msg.Answers[0].Header.TTL
	for _, answer := range msg.Answers[1:] {
		minTTL = min(minTTL, answer.Header.TTL)
	}
	return time.Duration(minTTL) * time.Second
}
