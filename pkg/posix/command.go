package posix

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/corefacility/corefacility/pkg/contextkeys"
	"github.com/corefacility/corefacility/pkg/errdefs"
)

// Args are the string arguments of an action or a method
type Args map[string]string

// Command is one privileged OS action: an action class (user, group, dir)
// bound to its target plus the method to call on it
type Command struct {
	Action     string `json:"action"`
	ActionArgs Args   `json:"action_args"`
	Method     string `json:"method"`
	MethodArgs Args   `json:"method_args"`
}

// String renders the command for logs
func (c Command) String() string {
	return fmt.Sprintf("%s(%s).%s(%s)", c.Action, c.ActionArgs, c.Method, c.MethodArgs)
}

// String renders arguments in key order
func (a Args) String() string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + a[k]
	}
	return strings.Join(parts, ", ")
}

// Queue is the ordered list of commands collected by one transaction
type Queue struct {
	commands []Command
}

// Add appends a command
func (q *Queue) Add(cmd Command) {
	q.commands = append(q.commands, cmd)
}

// Commands returns the queued commands in insertion order
func (q *Queue) Commands() []Command {
	return append([]Command(nil), q.commands...)
}

// Len returns the number of queued commands
func (q *Queue) Len() int { return len(q.commands) }

// Clear discards every queued command
func (q *Queue) Clear() { q.commands = nil }

// WithQueue returns a context carrying an empty queue
func WithQueue(ctx context.Context) (context.Context, *Queue) {
	q := &Queue{}
	return contextkeys.WithQueue(ctx, q), q
}

// QueueFrom returns the queue carried by ctx, if any
func QueueFrom(ctx context.Context) *Queue {
	q, _ := contextkeys.Queue(ctx).(*Queue)
	return q
}

// Enqueue appends commands to the context queue. Commands can only be
// issued inside Transactor.Atomic.
func Enqueue(ctx context.Context, cmds ...Command) error {
	if len(cmds) == 0 {
		return nil
	}
	q := QueueFrom(ctx)
	if q == nil {
		return errdefs.Internal(nil, "posix command %s issued outside of a transaction", cmds[0])
	}
	for _, cmd := range cmds {
		if _, err := Plan(cmd); err != nil {
			return err
		}
		q.Add(cmd)
	}
	return nil
}
