package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ameliahq/amelia/pkg/models"
)

// replayLimit caps how many persisted events one catchup delivers. A
// client further behind gets catchup.overflow and should reload over
// REST instead.
const replayLimit = 200

// HistoryQuerier reads persisted events for replay. Implemented by
// repo.EventRepo.
type HistoryQuerier interface {
	GetSince(ctx context.Context, workflowID string, afterSequence int64, limit int) ([]*models.WorkflowEvent, error)
}

// Broker fans workflow events out to WebSocket connections. Each
// connection has a bounded outbound queue drained by its own writer
// goroutine; a consumer that cannot keep up is disconnected rather
// than allowed to block event emission.
type Broker struct {
	history      HistoryQuerier
	queueDepth   int
	writeTimeout time.Duration
	logger       *slog.Logger

	// Active connections: connection id → *connection.
	mu    sync.RWMutex
	conns map[string]*connection

	// Channel subscriptions: channel → set of connection ids.
	channelMu sync.RWMutex
	channels  map[string]map[string]bool
}

type connection struct {
	id     string
	conn   *websocket.Conn
	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	// subscriptions is owned by the connection's read loop goroutine.
	subscriptions map[string]bool

	// pending holds live frames published for a channel while its
	// replay is in flight, so the replayed prefix always reaches the
	// client first. Keyed by channel; a present key means buffering.
	pendingMu sync.Mutex
	pending   map[string][]pendingFrame
}

type pendingFrame struct {
	seq  int64
	data []byte
}

// NewBroker creates a broker. queueDepth <= 0 selects 256.
func NewBroker(history HistoryQuerier, queueDepth int, writeTimeout time.Duration, logger *slog.Logger) *Broker {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		history:      history,
		queueDepth:   queueDepth,
		writeTimeout: writeTimeout,
		logger:       logger,
		conns:        make(map[string]*connection),
		channels:     make(map[string]map[string]bool),
	}
}

// Publish is the bus subscriber: it routes the event to subscribers of
// the workflow's channel and of "*". It never blocks.
func (b *Broker) Publish(event *models.WorkflowEvent) {
	data, err := json.Marshal(newEventFrame(event))
	if err != nil {
		b.logger.Error("Failed to marshal event frame", "event_type", event.Type, "error", err)
		return
	}
	b.broadcast(event.WorkflowID, event.Sequence, data)
	b.broadcast(ChannelAll, event.Sequence, data)
}

// HandleConnection runs the read loop for one upgraded WebSocket
// connection. Blocks until the connection closes.
func (b *Broker) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &connection{
		id:            uuid.NewString(),
		conn:          conn,
		out:           make(chan []byte, b.queueDepth),
		ctx:           ctx,
		cancel:        cancel,
		subscriptions: make(map[string]bool),
		pending:       make(map[string][]pendingFrame),
	}

	b.register(c)
	defer b.unregister(c)

	go b.writeLoop(c)

	b.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.id,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Warn("Invalid WebSocket message", "connection_id", c.id, "error", err)
			b.sendJSON(c, map[string]string{"type": "error", "message": "invalid message"})
			continue
		}
		b.handleClientMessage(ctx, c, &msg)
	}
}

// ActiveConnections returns the number of open connections.
func (b *Broker) ActiveConnections() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

// subscriberCount is used by tests to poll subscription state.
func (b *Broker) subscriberCount(channel string) int {
	b.channelMu.RLock()
	defer b.channelMu.RUnlock()
	return len(b.channels[channel])
}

func (b *Broker) handleClientMessage(ctx context.Context, c *connection, msg *ClientMessage) {
	switch msg.Type {
	case "subscribe":
		if msg.WorkflowID == "" {
			b.sendJSON(c, map[string]string{"type": "error", "message": "workflow_id is required for subscribe"})
			return
		}
		// Buffering starts before the subscription is visible to
		// Publish, so no live frame can slip ahead of the replay.
		if msg.WorkflowID != ChannelAll {
			c.beginReplayBuffer(msg.WorkflowID)
		}
		b.subscribe(c, msg.WorkflowID)
		b.sendJSON(c, map[string]string{
			"type":        "subscription.confirmed",
			"workflow_id": msg.WorkflowID,
		})
		// Auto replay from the beginning so late subscribers see the
		// full history before any live event.
		var after int64
		if msg.LastSequence != nil {
			after = *msg.LastSequence
		}
		if msg.WorkflowID != ChannelAll {
			last := b.replay(ctx, c, msg.WorkflowID, after)
			b.flushReplayBuffer(c, msg.WorkflowID, last)
		}

	case "unsubscribe":
		if msg.WorkflowID == "" {
			b.sendJSON(c, map[string]string{"type": "error", "message": "workflow_id is required for unsubscribe"})
			return
		}
		b.unsubscribe(c, msg.WorkflowID)

	case "catchup":
		if msg.WorkflowID == "" || msg.LastSequence == nil {
			b.sendJSON(c, map[string]string{"type": "error", "message": "workflow_id and last_sequence are required for catchup"})
			return
		}
		if msg.WorkflowID != ChannelAll {
			c.beginReplayBuffer(msg.WorkflowID)
			last := b.replay(ctx, c, msg.WorkflowID, *msg.LastSequence)
			b.flushReplayBuffer(c, msg.WorkflowID, last)
		}

	case "ping":
		b.sendJSON(c, map[string]string{"type": "pong"})

	default:
		b.sendJSON(c, map[string]string{"type": "error", "message": "unknown message type"})
	}
}

// replay sends persisted events after the given sequence in order and
// returns the last sequence delivered. The "*" channel has no single
// sequence spine, so it gets no replay.
func (b *Broker) replay(ctx context.Context, c *connection, channel string, afterSequence int64) int64 {
	if channel == ChannelAll || b.history == nil {
		return afterSequence
	}
	events, err := b.history.GetSince(ctx, channel, afterSequence, replayLimit+1)
	if err != nil {
		b.logger.Error("Replay query failed", "channel", channel, "error", err)
		b.sendJSON(c, map[string]string{"type": "error", "message": "replay failed"})
		return afterSequence
	}

	overflow := len(events) > replayLimit
	if overflow {
		events = events[:replayLimit]
	}

	last := afterSequence
	for _, e := range events {
		data, err := json.Marshal(newEventFrame(e))
		if err != nil {
			continue
		}
		if !b.enqueueReplay(c, data) {
			return last
		}
		last = e.Sequence
	}

	frame := map[string]any{
		"type":          "catchup.complete",
		"workflow_id":   channel,
		"last_sequence": last,
	}
	if overflow {
		frame["type"] = "catchup.overflow"
	}
	if data, err := json.Marshal(frame); err == nil {
		b.enqueueReplay(c, data)
	}
	return last
}

// beginReplayBuffer diverts live frames for the channel into the
// connection's pending buffer until flushReplayBuffer runs.
func (c *connection) beginReplayBuffer(channel string) {
	c.pendingMu.Lock()
	if _, ok := c.pending[channel]; !ok {
		c.pending[channel] = []pendingFrame{}
	}
	c.pendingMu.Unlock()
}

// flushReplayBuffer delivers frames buffered during replay, skipping
// persisted sequences the replay already covered. Ephemeral frames
// carry sequence 0 and always pass through.
func (b *Broker) flushReplayBuffer(c *connection, channel string, lastReplayed int64) {
	c.pendingMu.Lock()
	buffered := c.pending[channel]
	delete(c.pending, channel)
	c.pendingMu.Unlock()

	for _, f := range buffered {
		if f.seq > 0 && f.seq <= lastReplayed {
			continue
		}
		if !b.enqueueReplay(c, f.data) {
			return
		}
	}
}

// bufferIfReplaying stashes a live frame while the channel's replay is
// in flight. Returns false when the channel is not buffering.
func (b *Broker) bufferIfReplaying(c *connection, channel string, seq int64, data []byte) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	buf, ok := c.pending[channel]
	if !ok {
		return false
	}
	if len(buf) >= b.queueDepth {
		b.logger.Warn("Disconnecting WebSocket consumer: replay buffer overflow", "connection_id", c.id)
		c.cancel()
		return true
	}
	c.pending[channel] = append(buf, pendingFrame{seq: seq, data: data})
	return true
}

func (b *Broker) subscribe(c *connection, channel string) {
	b.channelMu.Lock()
	if _, ok := b.channels[channel]; !ok {
		b.channels[channel] = make(map[string]bool)
	}
	b.channels[channel][c.id] = true
	b.channelMu.Unlock()

	c.subscriptions[channel] = true
}

func (b *Broker) unsubscribe(c *connection, channel string) {
	b.channelMu.Lock()
	if subs, ok := b.channels[channel]; ok {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(b.channels, channel)
		}
	}
	b.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

func (b *Broker) broadcast(channel string, seq int64, data []byte) {
	b.channelMu.RLock()
	ids := make([]string, 0, len(b.channels[channel]))
	for id := range b.channels[channel] {
		ids = append(ids, id)
	}
	b.channelMu.RUnlock()

	if len(ids) == 0 {
		return
	}

	b.mu.RLock()
	conns := make([]*connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := b.conns[id]; ok {
			conns = append(conns, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range conns {
		if b.bufferIfReplaying(c, channel, seq, data) {
			continue
		}
		b.enqueue(c, data)
	}
}

// enqueue adds a frame to the connection's outbound queue without
// blocking. A full queue means the consumer is too slow; it is
// disconnected so emission is never held up.
func (b *Broker) enqueue(c *connection, data []byte) bool {
	select {
	case c.out <- data:
		return true
	default:
		b.logger.Warn("Disconnecting slow WebSocket consumer", "connection_id", c.id)
		c.cancel()
		return false
	}
}

// enqueueReplay adds a replay frame, waiting for the writer to drain
// the queue instead of applying the live-path drop policy. A replay
// can exceed the queue depth; a promptly reading client must still
// receive all of it.
func (b *Broker) enqueueReplay(c *connection, data []byte) bool {
	t := time.NewTimer(b.writeTimeout)
	defer t.Stop()
	select {
	case c.out <- data:
		return true
	case <-c.ctx.Done():
		return false
	case <-t.C:
		b.logger.Warn("Disconnecting slow WebSocket consumer", "connection_id", c.id)
		c.cancel()
		return false
	}
}

func (b *Broker) writeLoop(c *connection) {
	for {
		select {
		case data := <-c.out:
			writeCtx, cancel := context.WithTimeout(c.ctx, b.writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (b *Broker) sendJSON(c *connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Warn("Failed to marshal WebSocket message", "connection_id", c.id, "error", err)
		return
	}
	b.enqueue(c, data)
}

func (b *Broker) register(c *connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[c.id] = c
}

func (b *Broker) unregister(c *connection) {
	for ch := range c.subscriptions {
		b.unsubscribe(c, ch)
	}

	b.mu.Lock()
	delete(b.conns, c.id)
	b.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}
