package convo

import (
	"time"

	"github.com/google/uuid"
)

// DefaultResponseTimeout is how long a pending correlation waits for a
// matching assistant reply before expiring silently.
const DefaultResponseTimeout = 30 * time.Second

// pendingCorrelation is the single-slot mapping from a just-sent message to
// its eventual reply. At most one exists at a time: a new request overwrites
// an unresolved one (last requester wins), and the slot is cleared on first
// matching inbound assistant message or on deadline expiry, whichever first.
// The token names the slot's occupant so a stale deadline or a failed send
// can only clear its own correlation.
type pendingCorrelation struct {
	token    string
	callback func(text string)
	timer    *time.Timer
}

func newPendingCorrelation(callback func(string)) *pendingCorrelation {
	return &pendingCorrelation{
		token:    uuid.NewString(),
		callback: callback,
	}
}

// cancel stops the deadline timer without invoking the callback.
func (p *pendingCorrelation) cancel() {
	if p == nil {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
}
