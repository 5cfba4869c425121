// Package session persists conversation history in PostgreSQL.
//
// A conversation is an ordered log of turns exchanged between a caller and
// the model, including the tool requests and tool responses produced along
// the way. Turn content is stored as the serialized part slice, so whatever
// the model emitted round-trips losslessly.
//
// Key operations:
//
//   - Conversation lifecycle: [Store.CreateConversation], [Store.Conversation],
//     [Store.Conversations], [Store.DeleteConversation]
//   - Turn persistence: [Store.Append] (transaction-safe batch insertion),
//     [Store.History], [Store.Turns]
//
// # Transaction Safety
//
// [Store.Append] locks the conversation row with SELECT ... FOR UPDATE before
// assigning sequence numbers, so concurrent appends to one conversation
// serialize instead of racing. If any step fails, the whole batch rolls back.
//
// # Concurrency
//
// Store is safe for concurrent use. All state lives in PostgreSQL; no shared
// Go-side state exists.
package session
