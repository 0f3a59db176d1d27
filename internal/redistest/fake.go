// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package redistest provides an in-memory stand-in for the handful of Redis
// commands this service issues, for use in tests.
package redistest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ScriptFunc emulates a Lua script against the fake.
type ScriptFunc func(f *Fake, keys []string, args []string) (any, error)

type entry struct {
	value   string
	ttl     time.Duration
	expires time.Time
}

// Fake implements the strings, lists and sorted sets used by the service.
// Calling any other redis.Cmdable method panics on the nil embedded value.
// Set Err to make every implemented command fail.
type Fake struct {
	redis.Cmdable

	mu      sync.Mutex
	Err     error
	strs    map[string]entry
	lists   map[string][]string // index 0 is the left end
	zsets   map[string]map[string]float64
	scripts map[string]ScriptFunc
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		strs:    make(map[string]entry),
		lists:   make(map[string][]string),
		zsets:   make(map[string]map[string]float64),
		scripts: make(map[string]ScriptFunc),
	}
}

// HandleScript routes EVALSHA calls for sha to fn.
func (f *Fake) HandleScript(sha string, fn ScriptFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[sha] = fn
}

func str(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func (f *Fake) failure() error {
	return f.Err
}

// --- strings ---

func (f *Fake) lookup(key string) (entry, bool) {
	e, ok := f.strs[key]
	if !ok {
		return entry{}, false
	}
	if !e.expires.IsZero() && !time.Now().Before(e.expires) {
		delete(f.strs, key)
		return entry{}, false
	}
	return e, true
}

func (f *Fake) store(key string, value any, ttl time.Duration) {
	e := entry{value: str(value), ttl: ttl}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	f.strs[key] = e
}

func (f *Fake) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(); err != nil {
		return redis.NewStringResult("", err)
	}
	e, ok := f.lookup(key)
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(e.value, nil)
}

func (f *Fake) Set(_ context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(); err != nil {
		return redis.NewStatusResult("", err)
	}
	f.store(key, value, expiration)
	return redis.NewStatusResult("OK", nil)
}

func (f *Fake) SetNX(_ context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(); err != nil {
		return redis.NewBoolResult(false, err)
	}
	if _, ok := f.lookup(key); ok {
		return redis.NewBoolResult(false, nil)
	}
	f.store(key, value, expiration)
	return redis.NewBoolResult(true, nil)
}

func (f *Fake) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(); err != nil {
		return redis.NewIntResult(0, err)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.lookup(k); ok {
			delete(f.strs, k)
			n++
		}
		if _, ok := f.lists[k]; ok {
			delete(f.lists, k)
			n++
		}
		if _, ok := f.zsets[k]; ok {
			delete(f.zsets, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

// Value returns a live string key and the expiry it was stored with.
func (f *Fake) Value(key string) (string, time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.lookup(key)
	return e.value, e.ttl, ok
}

// Evict drops a string key as if its TTL had run out.
func (f *Fake) Evict(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.strs, key)
}

// --- lists ---

func (f *Fake) LPush(_ context.Context, key string, values ...any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(); err != nil {
		return redis.NewIntResult(0, err)
	}
	for _, v := range values {
		f.lists[key] = append([]string{str(v)}, f.lists[key]...)
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *Fake) LLen(_ context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(); err != nil {
		return redis.NewIntResult(0, err)
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *Fake) LRem(_ context.Context, key string, count int64, value any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(); err != nil {
		return redis.NewIntResult(0, err)
	}
	want := str(value)
	var kept []string
	var removed int64
	for _, v := range f.lists[key] {
		if v == want && (count == 0 || removed < count) {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	f.lists[key] = kept
	return redis.NewIntResult(removed, nil)
}

// move pops from src at srcpos and pushes onto dst at destpos.
func (f *Fake) move(src, dst, srcpos, destpos string) (string, bool) {
	list := f.lists[src]
	if len(list) == 0 {
		return "", false
	}
	var v string
	if srcpos == "LEFT" {
		v, f.lists[src] = list[0], list[1:]
	} else {
		v, f.lists[src] = list[len(list)-1], list[:len(list)-1]
	}
	if destpos == "LEFT" {
		f.lists[dst] = append([]string{v}, f.lists[dst]...)
	} else {
		f.lists[dst] = append(f.lists[dst], v)
	}
	return v, true
}

func (f *Fake) LMove(_ context.Context, source, destination, srcpos, destpos string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(); err != nil {
		return redis.NewStringResult("", err)
	}
	v, ok := f.move(source, destination, srcpos, destpos)
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

// BLMove polls until an element arrives, the timeout passes or ctx ends.
func (f *Fake) BLMove(ctx context.Context, source, destination, srcpos, destpos string, timeout time.Duration) *redis.StringCmd {
	deadline := time.Now().Add(timeout)
	for {
		f.mu.Lock()
		if err := f.failure(); err != nil {
			f.mu.Unlock()
			return redis.NewStringResult("", err)
		}
		v, ok := f.move(source, destination, srcpos, destpos)
		f.mu.Unlock()
		if ok {
			return redis.NewStringResult(v, nil)
		}
		if !time.Now().Before(deadline) {
			return redis.NewStringResult("", redis.Nil)
		}

		select {
		case <-ctx.Done():
			return redis.NewStringResult("", ctx.Err())
		case <-time.After(2 * time.Millisecond):
		}
	}
}

// List returns a copy of a list, left end first.
func (f *Fake) List(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lists[key]...)
}

// --- sorted sets ---

func (f *Fake) ZAdd(_ context.Context, key string, members ...redis.Z) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(); err != nil {
		return redis.NewIntResult(0, err)
	}
	set := f.zsets[key]
	if set == nil {
		set = make(map[string]float64)
		f.zsets[key] = set
	}
	var added int64
	for _, m := range members {
		name := str(m.Member)
		if _, ok := set[name]; !ok {
			added++
		}
		set[name] = m.Score
	}
	return redis.NewIntResult(added, nil)
}

func (f *Fake) ZRem(_ context.Context, key string, members ...any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(); err != nil {
		return redis.NewIntResult(0, err)
	}
	var n int64
	for _, m := range members {
		name := str(m)
		if _, ok := f.zsets[key][name]; ok {
			delete(f.zsets[key], name)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *Fake) ZCard(_ context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(); err != nil {
		return redis.NewIntResult(0, err)
	}
	return redis.NewIntResult(int64(len(f.zsets[key])), nil)
}

func parseBound(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// ZRangeByScore supports inclusive numeric bounds, -inf and +inf.
func (f *Fake) ZRangeByScore(_ context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(); err != nil {
		return redis.NewStringSliceResult(nil, err)
	}
	lo, hi := parseBound(opt.Min), parseBound(opt.Max)

	var names []string
	for name, score := range f.zsets[key] {
		if score >= lo && score <= hi {
			names = append(names, name)
		}
	}
	set := f.zsets[key]
	sort.Slice(names, func(i, j int) bool {
		if set[names[i]] != set[names[j]] {
			return set[names[i]] < set[names[j]]
		}
		return names[i] < names[j]
	})

	if opt.Offset > 0 {
		if int(opt.Offset) >= len(names) {
			names = nil
		} else {
			names = names[opt.Offset:]
		}
	}
	if opt.Count > 0 && int(opt.Count) < len(names) {
		names = names[:opt.Count]
	}
	return redis.NewStringSliceResult(names, nil)
}

// Scores returns a copy of a sorted set.
func (f *Fake) Scores(key string) map[string]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]float64, len(f.zsets[key]))
	for k, v := range f.zsets[key] {
		out[k] = v
	}
	return out
}

// --- scripting and connection ---

func (f *Fake) EvalSha(ctx context.Context, sha1 string, keys []string, args ...any) *redis.Cmd {
	f.mu.Lock()
	err := f.failure()
	fn := f.scripts[sha1]
	f.mu.Unlock()

	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return redis.NewCmdResult(nil, err)
	}
	if fn == nil {
		return redis.NewCmdResult(nil, errors.New("redistest: no handler for script "+sha1))
	}

	strArgs := make([]string, len(args))
	for i, a := range args {
		strArgs[i] = str(a)
	}
	val, err := fn(f, keys, strArgs)
	return redis.NewCmdResult(val, err)
}

func (f *Fake) Ping(context.Context) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(); err != nil {
		return redis.NewStatusResult("", err)
	}
	return redis.NewStatusResult("PONG", nil)
}
