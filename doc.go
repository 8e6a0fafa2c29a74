// Package sessionsync maintains a canonical, deduplicated, always-fresh view
// of live session event streams for front ends and agent-orchestration
// clients.
//
// # Architecture
//
// Events flow through a single admission pipeline regardless of which
// transport delivered them:
//
//	┌─────────────────────────────────────┐
//	│        Transports                   │  SSE streams, WebSocket push,
//	│  (publicpush, authpush, relay)      │  broker relay
//	└─────────────────────────────────────┘
//	           ↓ supervised by
//	┌─────────────────────────────────────┐
//	│     Reconnect Controller            │  Per-leg redial with backoff,
//	│   (session leg, user leg)           │  credential refresh
//	└─────────────────────────────────────┘
//	           ↓ feeds
//	┌─────────────────────────────────────┐
//	│      Ingest Pipeline                │  Fingerprint dedup, normalize,
//	│  (dedup → normalize → store)        │  journal, publish, broadcast
//	└─────────────────────────────────────┘
//	           ↓ maintains
//	┌─────────────────────────────────────┐
//	│      Canonical Store                │  One event per ID, upsert for
//	│   (per-session, insertion order)    │  streaming deltas
//	└─────────────────────────────────────┘
//
// Alongside the pipeline, the hydrator reconciles resident state against a
// history endpoint whenever a session is activated, and the watchdog
// force-completes streaming events whose deltas stopped arriving.
//
// # Event identity
//
// Two identities govern the pipeline. The delivery fingerprint is a SHA-256
// hash of the fully serialized raw event; it collapses duplicate deliveries
// across transports inside a bounded time window. The canonical ID (message
// ID when present, event ID otherwise) names the resident event; successive
// streaming deltas for one message share it and collapse into a single
// store entry via upsert.
//
// # Usage
//
// The service package assembles everything behind one handle:
//
//	cfg := config.Default()
//	cfg.Endpoints.StreamBaseURL = "https://relay.example.com"
//
//	core, err := service.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := core.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer core.Stop(30 * time.Second)
//
//	core.Subscribe(func(ce event.Canonical) { render(ce) })
//	core.ActivateSession(ctx, "sess-42")
//
// The cmd/sessionsync binary wraps the same assembly as a daemon with
// config loading, flags and a Prometheus metrics endpoint.
package sessionsync
