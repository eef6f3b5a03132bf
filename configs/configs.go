package configs

import "time"

var (
	HKDFInfo = []byte("relaydm-v1")

	RelaydAddress = "localhost:7447"
	RedisAddress  = "localhost:6379"
	MongoURI      = "mongodb://localhost:27017"
	MongoDatabase = "relaydm"

	WebSocketPath = "/"
	HealthPath    = "/health"

	// FallbackRelays is the discovery set used when a user has published no
	// relay lists at all.
	FallbackRelays = []string{"ws://localhost:7447"}

	// Redis keys

	RelaydEventKey     = "relayd:event:%s"
	RelaydAllIndexKey  = "relayd:events"
	RelaydKindIndexKey = "relayd:kind:%d"
	RelaydRecipientKey = "relayd:p:%s"
	ClientCacheKey     = "dmengine:cache:%s"
)

const (
	// SyncBatchSize and SyncMaxEvents bound a single history scan. Both are
	// defaults; callers override them through client.Config.
	SyncBatchSize = 200
	SyncMaxEvents = 2000

	// SyncOverlap is rewound from the last sync cursor on warm start to
	// cover events that raced the previous shutdown.
	SyncOverlap = 5 * time.Minute

	QueryTimeout   = 10 * time.Second
	PublishTimeout = 10 * time.Second

	// RelayResolutionTTL bounds how long a participant's resolved relay set
	// is trusted before being re-resolved.
	RelayResolutionTTL = 12 * time.Hour

	// OptimisticMatchWindow is the createdAt tolerance when matching a
	// subscription echo against a pending optimistic send.
	OptimisticMatchWindow = 60 * time.Second

	// PersistDebounce coalesces rapid successive merges into one cache write.
	PersistDebounce = 2 * time.Second
)
