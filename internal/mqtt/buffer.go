package mqtt

import "github.com/rs/zerolog"

// pendingMessage is a publish that arrived while the broker was unreachable.
type pendingMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// outbox holds up to limit pending messages. When full, the oldest message
// gives way to the newest: the latest telemetry matters more than a stale
// one. The caller holds the lock.
type outbox struct {
	pending []pendingMessage
	limit   int
	dropped int
	logger  zerolog.Logger
}

func newOutbox(limit int, logger zerolog.Logger) *outbox {
	if limit < 1 {
		limit = 1
	}
	return &outbox{
		pending: make([]pendingMessage, 0, limit),
		limit:   limit,
		logger:  logger,
	}
}

func (o *outbox) add(m pendingMessage) {
	if len(o.pending) >= o.limit {
		if o.dropped == 0 {
			o.logger.Warn().Int("limit", o.limit).Msg("mqtt outbox full, dropping oldest")
		}
		o.dropped++
		copy(o.pending, o.pending[1:])
		o.pending[len(o.pending)-1] = m
		return
	}
	o.pending = append(o.pending, m)
}

// takeAll hands back everything queued, oldest first, and resets the outbox.
// It returns nil when nothing is queued.
func (o *outbox) takeAll() []pendingMessage {
	if len(o.pending) == 0 {
		return nil
	}
	if o.dropped > 0 {
		o.logger.Info().Int("dropped", o.dropped).Msg("mqtt outbox overflowed while disconnected")
	}
	out := o.pending
	o.pending = make([]pendingMessage, 0, o.limit)
	o.dropped = 0
	return out
}

func (o *outbox) size() int {
	return len(o.pending)
}
