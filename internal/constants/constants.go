// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

import "time"

// Upload constants
const (
	// MaxUploadSize is the maximum multipart request size in bytes (32MB)
	MaxUploadSize = 32 << 20

	// MaxImageBytes is the maximum size of a single uploaded image (16MB)
	MaxImageBytes = 16 << 20
)

// Async job constants
const (
	// EventChannelBuffer is the buffer size for event channels
	EventChannelBuffer = 100

	// JobRetention is how long a finished job stays queryable
	JobRetention = time.Hour

	// SSEKeepAlive is the interval between comment frames on an idle event stream
	SSEKeepAlive = 15 * time.Second
)

// CLI constants
const (
	// DefaultConcurrency is the default number of parallel workers for bulk commands
	DefaultConcurrency = 5
)
