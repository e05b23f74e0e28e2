package realtime

import "time"

const (
	// Hard limit per websocket frame read. Text messages are capped at
	// chat.MaxTextRunes, which fits comfortably.
	maxFrameBytes = 64 << 10

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limit (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
