// Package realtime pushes cache invalidation hints to websocket subscribers.
package realtime
