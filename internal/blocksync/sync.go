package blocksync

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mrashdan/portalwatch/internal/metrics"
)

// DefaultBlockMessage is shown when the verdict carries no message.
const DefaultBlockMessage = "Your access has been temporarily restricted due to suspicious behavior detected on another government platform."

// State of a session's block overlay.
type State int

const (
	Unblocked State = iota
	Blocked
)

// String returns the state name.
func (s State) String() string {
	if s == Blocked {
		return "blocked"
	}
	return "unblocked"
}

// Overlay renders the full-viewport block notice. The agent binary
// implements it as a terminal notice; tests use fakes.
type Overlay interface {
	Show(message string)
	Hide()
}

// Synchronizer relays block-state decisions into the session's visible
// state. It holds no authority of its own: a verdict always arrives
// from the risk engine (via the emitter) or from an administrator
// signal on the channel, which avoids split-brain between sessions.
type Synchronizer struct {
	userID    string
	adminPage bool
	overlay   Overlay
	logger    *slog.Logger

	mu    sync.Mutex
	state State
}

// NewSynchronizer creates a synchronizer in the Unblocked state.
// adminPage suppresses the overlay on administrative surfaces.
func NewSynchronizer(userID string, adminPage bool, overlay Overlay, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		userID:    userID,
		adminPage: adminPage,
		overlay:   overlay,
		logger:    logger,
	}
}

// State returns the current block state.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// VerdictReceived handles a block verdict returned by the risk engine
// on an event post. The overlay offers only a manual re-check as its
// exit; there is no timeout-based unblock.
func (s *Synchronizer) VerdictReceived(message string) {
	if message == "" {
		message = DefaultBlockMessage
	}

	s.mu.Lock()
	s.state = Blocked
	s.mu.Unlock()

	metrics.BlockSignalsTotal.WithLabelValues(string(ActionBlock)).Inc()

	if s.adminPage {
		s.logger.Info("block verdict received, overlay suppressed on administrative page", "user_id", s.userID)
		return
	}
	s.logger.Warn("block verdict received, showing overlay", "user_id", s.userID)
	s.overlay.Show(message)
}

// HandleSignal applies a broadcast signal. Signals for other users are
// ignored; an unblock transitions Blocked -> Unblocked and hides the
// overlay without a reload.
func (s *Synchronizer) HandleSignal(sig Signal) {
	if sig.UserID != s.userID {
		return
	}
	metrics.BlockSignalsTotal.WithLabelValues(string(sig.Action)).Inc()

	switch sig.Action {
	case ActionUnblock:
		s.mu.Lock()
		was := s.state
		s.state = Unblocked
		s.mu.Unlock()

		s.overlay.Hide()
		s.logger.Info("unblock signal applied", "user_id", sig.UserID, "previous_state", was.String())
	case ActionBlock:
		s.VerdictReceived("")
	default:
		s.logger.Warn("ignoring unknown block signal action", "action", string(sig.Action))
	}
}

// Attach subscribes the synchronizer to a channel until cancel runs.
func (s *Synchronizer) Attach(ctx context.Context, ch Channel) (func(), error) {
	return ch.Subscribe(ctx, s.HandleSignal)
}
