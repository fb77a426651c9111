// Package signaling serves the chat WebSocket endpoint.
//
// A socket is scoped to a user (presence and notifications) or to a room
// (chat messages and call signaling). Inbound frames are decoded by the
// protocol package and dispatched by kind to the message relay or the call
// broker, which persist through a store.Store and fan out through a
// registry.Registry.
package signaling
