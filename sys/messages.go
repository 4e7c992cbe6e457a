package sys

// ============================================================================
// Core
// ============================================================================

const (
	MsgConfigFailedToLoad    = "Failed to load config: %v"
	MsgConfigInvalidBackend  = "invalid EARWORM_CACHE_BACKEND %q: want sqlite, json, redis or memory"
	MsgConfigMissingRedis    = "REDIS_ADDR is required for the redis cache backend"
	MsgConfigNonPositive     = "%s must be positive"
	MsgConfigNegative        = "%s must not be negative"
	MsgConfigInvalidValue    = "invalid %s %q: %w"
	MsgConfigNaturalTimeInit = "failed to initialize duration parser: %w"
	MsgConfigBadDuration     = "duration %q does not point into the future"
	MsgDatabaseInitSuccess   = "Database ready at %s"
	MsgDatabaseDirError      = "failed to create database directory %s: %w"
	MsgDatabaseTableError    = "Failed to create table: %w"
	MsgDatabasePragmaError   = "Failed to set pragma %s: %w"
	MsgStarting              = "Starting %s..."
	MsgInitializing          = "Initializing %s..."
	MsgShutdown              = "Shutting down %s..."
	MsgPanicFatal            = "\n[FATAL] %s\n"
)

// ============================================================================
// Cache
// ============================================================================

const (
	MsgCacheLoadFail        = "Failed to load persisted cache: %v"
	MsgCachePersistFail     = "Failed to persist %q: %v"
	MsgCacheDeleteFail      = "Failed to delete %q from persisted cache: %v"
	MsgCacheClearFail       = "Failed to clear persisted cache: %v"
	MsgCacheLogFail         = "Failed to append to cache log: %v"
	MsgCacheCorruptEntry    = "Skipping unreadable cache entry %q: %v"
	MsgCacheCleared         = "Cleared %d cached previews"
	MsgCacheStaleURL        = "Cached stream for %q expired, serving embed"
	MsgCacheRedisConnecting = "Connecting to redis at %s"
	MsgCachePruned          = "Pruned %d expired previews"
	MsgCacheBackend         = "Cache backend: %s (ttl %s)"
)

// ============================================================================
// Proxy
// ============================================================================

const (
	MsgProxyFetchFail      = "Failed to fetch proxy source %s: %v"
	MsgProxyRefreshed      = "Refreshed proxy list: %d candidates from %d sources"
	MsgProxyTesting        = "Testing %d proxies (%d at a time)"
	MsgProxyTested         = "%d of %d proxies working"
	MsgProxyBanned         = "Banned proxy %s"
	MsgProxyStateLoadFail  = "Failed to load proxy state: %v"
	MsgProxyStateSaveFail  = "Failed to save proxy state: %v"
	MsgProxyStateLoaded    = "Restored proxy state: %d known, %d working, %d banned"
	MsgProxyExhausted      = "No working proxies left, falling back to direct connection"
	MsgProxyTunnelOpened   = "Opened tunnel %s for %s"
	MsgProxyTunnelFail     = "Failed to open tunnel for %s: %v"
	MsgProxyTunnelUpstream = "Tunnel upstream %s failed: %v"
)

// ============================================================================
// Gate
// ============================================================================

const (
	MsgGateQueued   = "Task %s queued (active %d, queued %d)"
	MsgGateAdmitted = "Task %s admitted after %s"
	MsgGateDone     = "Task %s finished in %s"
	MsgGateAbandon  = "Task %s left the queue: %v"
	MsgGatePanic    = "task %s panicked: %v"
)

// ============================================================================
// Search & Extract
// ============================================================================

const (
	MsgSearchBackendFail  = "%s search for %q failed: %v"
	MsgSearchBackendEmpty = "%s search for %q returned nothing"
	MsgSearchFound        = "Found %d candidates for %q via %s"
	MsgExtractStrategy    = "%s failed for %s: %v"
	MsgExtractSuccess     = "Extracted %s via %s (%d kbps, %s)"
	MsgExtractAllFailed   = "All extraction strategies failed for %s"
)

// ============================================================================
// Resolver & Preloader
// ============================================================================

const (
	MsgResolverInvalid     = "Rejected query %s: %v"
	MsgResolverCacheHit    = "Cache hit for %s"
	MsgResolverNoCandidate = "No candidates for %s"
	MsgResolverProxyRetry  = "Proxy %s failed for %s (attempt %d/%d), retrying"
	MsgResolverEmbed       = "Falling back to embed for %s"
	MsgResolverResolved    = "Resolved %s -> %s (%s)"
	MsgResolverFailed      = "Could not resolve %s: %v"
	MsgPreloadStart        = "Preloading %d items in batches of %d"
	MsgPreloadDone         = "Preloaded %d/%d items"
)

// ============================================================================
// API
// ============================================================================

const (
	MsgAPIListening = "Listening on %s"
	MsgAPIStopped   = "HTTP server stopped: %v"
	MsgAPIRequest   = "%s %s -> %d (%s)"
)

// ============================================================================
// CLI
// ============================================================================

const (
	MsgGenericError     = "%v"
	MsgCLINoPreview     = "No preview available for %s"
	MsgCLIProxyDisabled = "proxying is disabled; pass --proxy or set EARWORM_PROXY_ENABLED"
	MsgCLIProxyTested   = "%d proxies working"
	MsgCLICacheCleared  = "Removed %s from the cache"
	MsgCLIPreloadSaved  = "Wrote %d items to %s"
)
