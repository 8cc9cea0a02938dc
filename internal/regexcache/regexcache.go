// Package regexcache compiles and caches guest-supplied regular
// expressions behind small integer handles, mirroring the CRC32-C
// find-or-compile dance a guest syscall performs against an in-VM regex
// cache (see original_source's system_calls_regex.cpp: syscall_regex_compile
// hashes the pattern, looks it up, and only compiles on a miss).
package regexcache

import (
	"fmt"
	"hash/crc32"
	"regexp"

	"github.com/nova-kvm/kvmruntime/internal/handlecache"
	"github.com/nova-kvm/kvmruntime/internal/metrics"
)

// castagnoliTable is the CRC32-C polynomial table, matching the hardware
// crc32c instruction the guest-side compile syscall uses for a zero-copy
// hash of the pattern bytes.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Cache wraps a handlecache.Cache[*regexp.Regexp] with the compile-on-miss
// semantics a Program Instance exposes to its syscall table.
type Cache struct {
	handles *handlecache.Cache[*regexp.Regexp]
	metrics *metrics.Collectors
}

// New creates an empty regex cache with the given capacity (0 uses
// handlecache.DefaultCapacity, matching the guest's fixed handle table).
func New(capacity int, m *metrics.Collectors) *Cache {
	if m == nil {
		m = metrics.Global()
	}
	return &Cache{handles: handlecache.New[*regexp.Regexp](capacity), metrics: m}
}

// Hash computes the CRC32-C checksum of pattern, matching the guest's
// zero-copy hashing of its own memory view of the pattern bytes.
func Hash(pattern []byte) uint32 {
	return crc32.Checksum(pattern, castagnoliTable)
}

// CompilePattern hashes patternBytes and returns the existing handle when
// the entry found under that hash holds the same pattern text, or compiles
// and installs a new entry otherwise.
func (c *Cache) CompilePattern(patternBytes []byte) (int, error) {
	hash := Hash(patternBytes)
	if idx, ok := c.handles.Find(hash); ok {
		if re, err := c.handles.Get(idx); err == nil && re.String() == string(patternBytes) {
			c.metrics.RecordRegexCacheHit()
			return idx, nil
		}
	}

	re, err := regexp.Compile(string(patternBytes))
	if err != nil {
		return 0, fmt.Errorf("regexcache: pattern did not compile: %w", err)
	}

	idx, err := c.handles.Manage(re, hash)
	if err != nil {
		return 0, err
	}
	c.metrics.RecordRegexCacheMiss()
	return idx, nil
}

// MatchHandle reports whether the compiled regex at handle matches subject.
func (c *Cache) MatchHandle(handle int, subject []byte) (bool, error) {
	re, err := c.handles.Get(handle)
	if err != nil {
		return false, err
	}
	return re.Match(subject), nil
}

// FreeHandle releases a previously compiled regex handle.
func (c *Cache) FreeHandle(handle int) error {
	return c.handles.Free(handle)
}

// LoanFrom shares compiled regexes from another Program Instance's cache,
// used during a live commit so the new instance doesn't have to recompile
// every pattern the old one already paid for.
func (c *Cache) LoanFrom(other *Cache) {
	c.handles.LoanFrom(other.handles)
}

// Close releases every regex this cache owns (not loaned ones).
func (c *Cache) Close() {
	c.handles.Close()
}
