// Package posix administers operating-system accounts on behalf of the
// application.
//
// Entity providers never run OS commands directly. They append Commands to
// the queue carried by the context, and a Transactor decides what happens
// to the queue once the database work of the same scope is done:
//
//	err := transactor.Atomic(ctx, func(ctx context.Context) error {
//	    return user.Create(ctx) // SQL insert + posix.Enqueue(ctx, posix.UserAdd(...))
//	})
//
// Depending on the configured profile the queue is discarded (virtual
// server), logged for an operator (part server), executed before the
// database commit (full server running as root) or persisted as deferred
// command rows that the administration Daemon drains.
package posix
