package storage

import (
	"sync"
	"time"

	"pacsd/pkg/log"
	"pacsd/pkg/models"
	"pacsd/pkg/mqueue"
)

// pruneTick is how long the pruner blocks on its queue before
// re-checking the stop flag.
const pruneTick = 100 * time.Millisecond

// Pruner reclaims blob bytes when the index commits an attachment
// deletion. Removals are queued and applied by a background goroutine so
// the committing transaction never waits on storage I/O. The events
// arrive only after a successful commit, so removing the file here can
// never orphan a row.
type Pruner struct {
	area    Area
	queue   *mqueue.Queue[string]
	pending sync.WaitGroup
	stop    chan struct{}
	done    chan struct{}
}

// NewPruner returns a started pruner deleting from the given area.
// Release it with Close.
func NewPruner(area Area) *Pruner {
	p := &Pruner{
		area:  area,
		queue: mqueue.New[string](0),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go p.loop()
	return p
}

// SignalAttachmentDeleted queues the blob of a deleted attachment for
// removal.
func (p *Pruner) SignalAttachmentDeleted(attachment models.Attachment) {
	p.pending.Add(1)
	p.queue.Enqueue(attachment.UUID)
}

// SignalResourceDeleted is part of the listener interface; the pruner
// only cares about attachments.
func (p *Pruner) SignalResourceDeleted(resourceType models.ResourceType, publicID string) {
	log.Debug().Str("type", resourceType.String()).Str("id", publicID).Msg("Resource deleted")
}

// SignalRemainingAncestor is part of the listener interface.
func (p *Pruner) SignalRemainingAncestor(resourceType models.ResourceType, publicID string) {
	log.Debug().Str("type", resourceType.String()).Str("id", publicID).Msg("Remaining ancestor")
}

// Flush blocks until every removal queued so far has been applied.
func (p *Pruner) Flush() {
	p.pending.Wait()
}

// Close drains the queue and stops the background goroutine. No signal
// may arrive after Close.
func (p *Pruner) Close() {
	close(p.stop)
	<-p.done
}

func (p *Pruner) loop() {
	defer close(p.done)

	for {
		select {
		case <-p.stop:
			p.drain()
			return
		default:
		}
		if uuid, ok := p.queue.Dequeue(pruneTick); ok {
			p.remove(uuid)
		}
	}
}

// drain applies what is still queued at shutdown. Single consumer, so
// Size cannot race with another dequeuer.
func (p *Pruner) drain() {
	for p.queue.Size() > 0 {
		if uuid, ok := p.queue.Dequeue(pruneTick); ok {
			p.remove(uuid)
		}
	}
}

func (p *Pruner) remove(uuid string) {
	defer p.pending.Done()
	if err := p.area.Remove(uuid); err != nil {
		// The row is already gone; the blob is unreachable either way.
		log.Warn().Err(err).Str("uuid", uuid).Msg("Failed to prune blob")
	}
}
