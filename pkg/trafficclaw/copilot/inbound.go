package copilot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/channels"
)

// inboundTurnTimeout bounds one owner message end to end, including
// provider fallback and any confirmed action it triggers.
const inboundTurnTimeout = 15 * time.Minute

// OwnerLookup maps a sender phone number to an owner.
type OwnerLookup func(phone string) (OwnerConfig, bool)

// inboundQueueSize is how many messages of one owner may wait while an
// earlier one is still being handled.
const inboundQueueSize = 32

// Inbound feeds owner messages from a channel into the assistant and sends
// the replies back. Messages from unknown numbers are ignored. Each owner
// has one worker, so their messages are handled one at a time in arrival
// order.
type Inbound struct {
	assistant *Assistant
	channel   channels.Channel
	owners    OwnerLookup
	logger    *slog.Logger

	mu     sync.Mutex
	queues map[string]chan *channels.IncomingMessage
	wg     sync.WaitGroup
}

// NewInbound creates the inbound loop for ch.
func NewInbound(assistant *Assistant, ch channels.Channel, owners OwnerLookup, logger *slog.Logger) *Inbound {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbound{
		assistant: assistant,
		channel:   ch,
		owners:    owners,
		logger:    logger.With("component", "inbound", "channel", ch.Name()),
		queues:    make(map[string]chan *channels.IncomingMessage),
	}
}

// Run consumes messages until ctx is done or the channel closes its
// stream, then waits for the owner workers to finish.
func (in *Inbound) Run(ctx context.Context) {
	defer in.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in.channel.Receive():
			if !ok {
				return
			}
			in.dispatch(ctx, msg)
		}
	}
}

func (in *Inbound) dispatch(ctx context.Context, msg *channels.IncomingMessage) {
	owner, ok := in.owners(phoneOf(msg.From))
	if !ok {
		in.logger.Debug("ignoring message from unknown sender", "from", msg.From)
		return
	}

	q := in.queue(ctx, owner)
	select {
	case q <- msg:
	default:
		in.logger.Warn("owner queue full, waiting", "actor", owner.ID)
		select {
		case q <- msg:
		case <-ctx.Done():
		}
	}
}

// queue returns the queue of owner, starting its worker on first use.
func (in *Inbound) queue(ctx context.Context, owner OwnerConfig) chan *channels.IncomingMessage {
	in.mu.Lock()
	defer in.mu.Unlock()
	q, ok := in.queues[owner.ID]
	if ok {
		return q
	}
	q = make(chan *channels.IncomingMessage, inboundQueueSize)
	in.queues[owner.ID] = q

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		for msg := range q {
			if ctx.Err() != nil {
				continue
			}
			in.handle(ctx, owner, msg)
		}
	}()
	return q
}

// stop closes every owner queue and waits for the workers to drain them.
func (in *Inbound) stop() {
	in.mu.Lock()
	for id, q := range in.queues {
		close(q)
		delete(in.queues, id)
	}
	in.mu.Unlock()
	in.wg.Wait()
}

func (in *Inbound) handle(ctx context.Context, owner OwnerConfig, msg *channels.IncomingMessage) {
	ctx, cancel := context.WithTimeout(ctx, inboundTurnTimeout)
	defer cancel()

	logger := in.logger.With("actor", owner.ID, "msg_id", msg.ID)
	start := time.Now()

	reply, err := in.assistant.HandleIncoming(ctx, owner.ID, msg.Content)
	if err != nil {
		logger.Error("failed to handle message", "err", err)
		reply = UserMessage(KindUnknown)
	}
	if reply == "" {
		return
	}

	to := msg.ChatID
	if to == "" {
		to = msg.From
	}
	sendCtx, sendCancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer sendCancel()
	if err := in.channel.Send(sendCtx, to, &channels.OutgoingMessage{Content: reply, ReplyTo: msg.ID}); err != nil {
		logger.Error("failed to send reply", "err", err)
		return
	}
	logger.Info("message handled", "duration_ms", time.Since(start).Milliseconds())
}

// phoneOf strips the server and device parts of a JID.
func phoneOf(from string) string {
	for i, r := range from {
		if r == '@' || r == ':' {
			return from[:i]
		}
	}
	return from
}
