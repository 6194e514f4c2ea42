// Package channels holds optional chat-channel adapters. Each adapter
// turns inbound chat messages into task submissions and maps finished
// tasks back to replies on its own transport.
package channels

import "context"

// Channel is a long-running chat adapter.
type Channel interface {
	Name() string

	// Start blocks until ctx is canceled or the adapter fails fatally.
	Start(ctx context.Context) error
}
