// Package blocksync propagates block/unblock verdicts between portal
// sessions. It never originates a decision: verdicts come from the risk
// engine or an administrator action, and every session converges on the
// same visible state without a reload.
package blocksync

import "context"

// Action is the kind of block-state signal.
type Action string

const (
	ActionBlock   Action = "block"
	ActionUnblock Action = "unblock"
)

// Signal is one broadcast block-state decision relay.
type Signal struct {
	Action    Action `json:"action"`
	UserID    string `json:"user_id"`
	Timestamp string `json:"timestamp"`
}

// Handler receives signals observed on a channel.
type Handler func(Signal)

// Channel is the cross-session message-passing abstraction. The redis
// implementation backs it with pub/sub; the in-memory bus serves tests
// and single-process deployments.
type Channel interface {
	Publish(ctx context.Context, sig Signal) error
	Subscribe(ctx context.Context, h Handler) (cancel func(), err error)
}
