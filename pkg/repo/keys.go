// Package repo is the query layer in front of a version-control repository.
// It builds cache keys, assigns TTL tiers by operation, maps mutations to
// the key families they invalidate and serves cached queries through
// Repository.
package repo

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path/filepath"
)

// repositoryIDLength is the number of hex characters kept from the path hash.
const repositoryIDLength = 12

// RepositoryID returns a short stable identifier for the repository at
// path. Relative paths are resolved against the working directory so the
// same repository always maps to the same ID within one process.
func RepositoryID(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	sum := sha256.Sum256([]byte(filepath.Clean(abs)))
	return hex.EncodeToString(sum[:])[:repositoryIDLength]
}

// Key builds the cache key for op on a repository:
//
//	{repoID}:{op}:{k1=v1&k2=v2}
//
// Parameters are sorted by name and URL-escaped. With no parameters the
// last segment is empty.
func Key(repoID string, op Operation, params map[string]string) string {
	values := make(url.Values, len(params))
	for k, v := range params {
		values.Set(k, v)
	}
	return repoID + ":" + string(op) + ":" + values.Encode()
}

// familyPattern scopes a key family to one repository.
func familyPattern(repoID, family string) string {
	return repoID + ":" + family
}
