package cache

import (
	"crypto/md5" // #nosec G501 - fingerprints cache keys, no security role
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Keys builds the namespaced key families. Every key the service
// writes goes through one of these so a shared Redis can host several
// deployments side by side.
type Keys struct {
	ns string
}

// NewKeys returns a key builder under the given namespace.
func NewKeys(namespace string) Keys {
	if namespace == "" {
		namespace = "recon"
	}
	return Keys{ns: namespace}
}

// Stage keys the staged view group for a transaction. TTL: stage-ttl.
func (k Keys) Stage(txnID string) string {
	return k.ns + ":stage:" + txnID
}

// StageSource keys the set of staged txn_ids per source. TTL: stage-ttl.
func (k Keys) StageSource(source string) string {
	return k.ns + ":stage-source:" + source
}

// Lock keys the single-flight reconciliation lock. TTL: lock-ttl.
func (k Keys) Lock(txnID string) string {
	return k.ns + ":lock:" + txnID
}

// Throttle keys the mismatch alert throttle counter. TTL: throttle-ttl.
func (k Keys) Throttle(txnID string) string {
	return k.ns + ":throttle:" + txnID
}

// APIResponse keys a cached GET response body. TTL: response-ttl.
func (k Keys) APIResponse(hash string) string {
	return k.ns + ":cache:api:" + hash
}

// Stats keys a computed statistics document. TTL: stats-ttl.
func (k Keys) Stats(name string) string {
	return k.ns + ":stats:" + name
}

// Rate keys the per-client API rate-limit counter. TTL: rate-window.
func (k Keys) Rate(client string) string {
	return k.ns + ":rate:" + client
}

// APIHash fingerprints a request path plus its query parameters,
// sorted so that equivalent requests share a cache entry.
func APIHash(path string, query url.Values) string {
	var b strings.Builder
	b.WriteString(path)
	params := make([]string, 0, len(query))
	for key, vals := range query {
		for _, v := range vals {
			params = append(params, key+"="+v)
		}
	}
	sort.Strings(params)
	for _, p := range params {
		b.WriteByte('&')
		b.WriteString(p)
	}
	sum := md5.Sum([]byte(b.String())) // #nosec G401 - cache key fingerprint
	return fmt.Sprintf("%x", sum)
}
