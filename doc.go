// Package fieldsync provides an offline-first state synchronization engine
// for field agents working a shared address list from multiple devices.
//
// Every mutation is applied locally first and queued in a durable outbox;
// connectivity is an accelerator, never a requirement. Devices converge by
// exchanging operations through a shared cloud feed and replaying them
// through an idempotent merge.
//
// # Basic Usage
//
// Open an engine with default configuration:
//
//	eng, err := fieldsync.Open(fieldsync.DefaultConfig("fieldsync.db"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
// Work the day:
//
//	err := eng.ImportAddresses(ctx, addrs)
//	session, err := eng.StartDay(ctx)
//	c, err := eng.CompleteAddress(ctx, 0, fieldsync.CompletionInput{
//	    Outcome: fieldsync.OutcomePIF,
//	    Amount:  "120.00",
//	})
//	session, err = eng.EndDay(ctx)
//
// Synchronize on demand (background loops also run on their own):
//
//	if err := eng.SyncNow(ctx); err != nil {
//	    log.Printf("sync deferred: %v", err)
//	}
//
// # Features
//
// Local Durability:
//   - Single-file SQLite store holding document, outbox, cursor, and backups
//   - Per-device monotonic sequence numbers assigned at enqueue time
//   - Rotating local backups with checksums, optional compression and
//     AES-256-GCM encryption
//   - Entity-count tracking that warns when data vanishes in bulk
//
// Synchronization:
//   - At-least-once, in-order operation submission with retry and a
//     circuit breaker
//   - Idempotent merge: replaying any suffix of the feed converges to the
//     same document
//   - Three-tier echo detection so a device's own writes coming back off
//     the feed are never re-applied
//   - Realtime websocket feed consumption alongside cursor-based pull
//
// Conflict Handling:
//   - Divergent completions surface as prompts, never silent overwrites
//   - Revised outcomes win over originals in any arrival order
//   - Bootstrap comparison guards against interleaving two unrelated
//     dataset histories
//   - Protection windows veto remote structural changes during restores,
//     imports, and session edits
//
// Cloud Storage:
//   - HTTP operation store and websocket realtime channel
//   - S3 (or S3-compatible) end-of-day snapshot uploads
//   - In-memory remote for tests and single-process development
//
// # Configuration
//
// Use [Config] to customize behavior:
//
//	cfg := fieldsync.DefaultConfig("fieldsync.db")
//	cfg.UserID = "agent-7"
//	cfg.Remote = fieldsync.RemoteConfig{
//	    OperationsURL: "https://sync.example.com",
//	    RealtimeURL:   "wss://sync.example.com/feed",
//	    AuthToken:     token,
//	}
//
// Or load it from YAML with [LoadConfigFile].
package fieldsync
