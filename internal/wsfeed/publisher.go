package wsfeed

import (
	"log/slog"

	"github.com/bytecourier/bytecourier/internal/events"
	"github.com/bytecourier/bytecourier/internal/queue"
	"github.com/bytecourier/bytecourier/internal/sender"
	"github.com/bytecourier/bytecourier/pkg/feed"
)

// Publisher translates bus payloads into feed envelopes and sends them
// over one connection.
type Publisher struct {
	conn   *Conn
	logger *slog.Logger
}

// NewPublisher creates a publisher over an established connection.
func NewPublisher(conn *Conn, logger *slog.Logger) *Publisher {
	return &Publisher{conn: conn, logger: logger}
}

// Attach subscribes the publisher to every lifecycle event on the bus.
func (p *Publisher) Attach(bus *events.Bus) {
	bus.On(events.BatchAdd, func(payload any) { p.batch(feed.TypeBatchAdded, payload) })
	bus.On(events.BatchFinish, func(payload any) { p.batch(feed.TypeBatchFinished, payload) })
	bus.On(events.BatchCancel, func(payload any) { p.batch(feed.TypeBatchCancel, payload) })
	bus.On(events.ItemStart, func(payload any) { p.item(feed.TypeItemStarted, payload) })
	bus.On(events.ItemProgress, func(payload any) { p.item(feed.TypeItemProgress, payload) })
	bus.On(events.ItemFinish, func(payload any) { p.item(feed.TypeItemFinished, payload) })
	bus.On(events.ItemAbort, func(payload any) { p.item(feed.TypeItemAborted, payload) })
	bus.On(events.ChunkFinish, func(payload any) { p.chunk(payload) })
}

func (p *Publisher) batch(eventType string, payload any) {
	snap, ok := payload.(queue.BatchSnapshot)
	if !ok {
		return
	}
	p.publish(eventType, feed.BatchEvent{
		BatchID:   snap.Batch.ID,
		State:     string(snap.Batch.State),
		ItemCount: len(snap.Items),
	})
}

func (p *Publisher) item(eventType string, payload any) {
	it, ok := payload.(queue.Item)
	if !ok {
		return
	}
	p.publish(eventType, feed.ItemEvent{
		ItemID:    it.ID,
		BatchID:   it.BatchID,
		Name:      it.Name,
		State:     string(it.State),
		Size:      it.Size,
		Loaded:    it.Loaded,
		Completed: it.Completed,
		Recycled:  it.Recycled,
	})
}

func (p *Publisher) chunk(payload any) {
	fin, ok := payload.(sender.ChunkFinishData)
	if !ok {
		return
	}
	p.publish(feed.TypeChunkFinished, feed.ChunkEvent{
		ItemID:  fin.Item.ID,
		Index:   fin.Chunk.Index,
		Start:   fin.Chunk.Start,
		End:     fin.Chunk.End,
		Attempt: fin.Chunk.Attempt,
		Skipped: fin.Skipped,
		Status:  fin.Result.Status,
	})
}

func (p *Publisher) publish(eventType string, payload any) {
	env, err := feed.NewEnvelope(eventType, payload)
	if err != nil {
		p.logger.Warn("failed to build feed envelope", "type", eventType, "error", err)
		return
	}
	_ = p.conn.Send(env)
}
