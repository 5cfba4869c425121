// Package api is the HTTP front door: it admits chat requests, streams
// generation events back over SSE, and exposes conversation lifecycle
// endpoints.
//
// # Architecture
//
// The server uses Go 1.22+ routing with a layered middleware stack:
//
//	Recovery → RequestID → Logging → CORS → RateLimit → Identity → Routes
//
// Health probes (/health, /ready) bypass the middleware stack via a
// top-level mux, ensuring they remain fast and unauthenticated.
//
// # Admission
//
// The chat handler admits requests in a fixed order: the identity
// middleware authenticates and resolves the caller, then the handler
// consumes the route quota, validates request shape, checks conversation
// ownership, and hands off to the engine. Cheap checks run before quota
// consumption; quota consumption runs before anything that costs model or
// tool budget, so a rejected request never touches the backend.
//
// # Endpoints
//
// Health probes (no middleware):
//   - GET /health — returns {"status":"ok"}
//   - GET /ready  — pings the database, reports pool stats
//
// Conversations (ownership-enforced):
//   - POST   /api/v1/conversations            — create conversation
//   - GET    /api/v1/conversations            — list caller's conversations
//   - GET    /api/v1/conversations/{id}       — get conversation by ID
//   - GET    /api/v1/conversations/{id}/turns — page through turns
//   - DELETE /api/v1/conversations/{id}       — delete conversation
//
// Chat:
//   - POST /api/v1/chat — admit and stream; the response is an SSE stream
//     of engine events terminated by exactly one done or error frame
//
// Rejections are plain JSON envelopes ({"error":{"code","message"}});
// rate-limit denials carry a Retry-After header.
package api
