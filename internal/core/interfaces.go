package core

import "context"

// Driver is the browser-automation collaborator a session controller drives.
// Implementations must report failures as typed outcomes or errors, never
// panic across this boundary. All methods honor context cancellation.
type Driver interface {
	// Authenticate logs the simulated user in. Optional per configuration;
	// callers wrap failures in AuthError after bounded retries.
	Authenticate(ctx context.Context, creds Credentials) error

	// CurrentContentItem returns the item currently visible in the feed,
	// or ErrNoContent when the feed has not produced the next item yet.
	CurrentContentItem(ctx context.Context) (*ContentItem, error)

	// ApplyAction performs the action against the visible item and reports
	// a typed outcome. A nil error with OutcomeFailed means the action was
	// rejected but the session can continue.
	ApplyAction(ctx context.Context, action *Action) (Outcome, error)

	// NavigateNext advances the feed to the next item.
	NavigateNext(ctx context.Context) error

	// Close releases the driver and its isolated storage namespace.
	Close(ctx context.Context) error
}
