// Package storage persists what the serving layer wants to keep across
// requests:
//
//   - a solve audit log (append-only, one record per request)
//   - a result cache (memoized solve responses carrying an expiry)
//
// Both live behind the Store interface. Open returns a no-op store when
// persistence is disabled, so callers never branch on a nil store.
package storage
