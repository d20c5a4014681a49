package realtime

import "time"

const (
	// Max bytes per inbound frame. A chat_submit carries the whole
	// conversation, so this is larger than a single message.
	maxFrameBytes = 1 << 20

	maxRequestIDLen = 64
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection inbound events per window.
	rateLimitEvents = 30
	rateLimitWindow = 10 * time.Second

	// An unauthenticated connection must say hello within this time.
	helloTimeout = 10 * time.Second
)
