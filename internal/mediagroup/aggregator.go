package mediagroup

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/support-bridge/internal/transport"
)

// FinalizeDelay is how long a group stays open for trailing items after its
// first event arrives. Album items land in quick succession, so a short
// settle window is enough.
const FinalizeDelay = 700 * time.Millisecond

// Group is a finalized media group handed to the consumer exactly once.
type Group struct {
	MediaGroupID string
	TicketID     string
	// Representative carries the group's text: the first event with a
	// non-empty body, or the last event when every body is empty.
	Representative *transport.Message
	Events         []*transport.Message
	Items          []transport.AlbumItem
}

// FinalizeFunc consumes a settled group.
type FinalizeFunc func(ctx context.Context, group *Group)

// FirstFunc runs once per group, on the event that opened it. It returns the
// ticket id the whole group will be attributed to.
type FirstFunc func(ctx context.Context, first *transport.Message) (ticketID string, err error)

type pendingGroup struct {
	events    []*transport.Message
	items     []transport.AlbumItem
	ticketID  string
	processed bool
}

// Aggregator batches same-group media events and emits each group as one unit
// after a settle delay. Finalization is exactly-once: the processed flag flips
// under the lock before any downstream work starts.
type Aggregator struct {
	mu       sync.Mutex
	groups   map[string]*pendingGroup
	delay    time.Duration
	onFirst  FirstFunc
	finalize FinalizeFunc
	logger   *zap.Logger
}

// NewAggregator constructs an aggregator. onFirst may be nil when the flow
// needs no per-group acknowledgement.
func NewAggregator(delay time.Duration, onFirst FirstFunc, finalize FinalizeFunc, logger *zap.Logger) *Aggregator {
	if delay <= 0 {
		delay = FinalizeDelay
	}
	return &Aggregator{
		groups:   make(map[string]*pendingGroup),
		delay:    delay,
		onFirst:  onFirst,
		finalize: finalize,
		logger:   logger,
	}
}

// Ingest buffers one media event. The first event of a group schedules that
// group's finalization and triggers the onFirst acknowledgement; later events
// only accumulate.
func (a *Aggregator) Ingest(ctx context.Context, msg *transport.Message) error {
	if msg == nil || msg.MediaGroupID == "" {
		return nil
	}

	a.mu.Lock()
	group, exists := a.groups[msg.MediaGroupID]
	if exists && group.processed {
		a.mu.Unlock()
		a.logger.Debug("dropping straggler media event", zap.String("media_group_id", msg.MediaGroupID))
		return nil
	}
	if !exists {
		group = &pendingGroup{}
		a.groups[msg.MediaGroupID] = group
	}
	group.events = append(group.events, msg)
	if msg.Attachment != nil {
		group.items = append(group.items, transport.AlbumItem{
			Kind:   msg.Attachment.Kind,
			FileID: msg.Attachment.FileID,
		})
	}
	a.mu.Unlock()

	if !exists {
		if a.onFirst != nil {
			ticketID, err := a.onFirst(ctx, msg)
			if err != nil {
				a.mu.Lock()
				delete(a.groups, msg.MediaGroupID)
				a.mu.Unlock()
				return err
			}
			a.mu.Lock()
			group.ticketID = ticketID
			a.mu.Unlock()
		}
		time.AfterFunc(a.delay, func() {
			a.Finalize(context.Background(), msg.MediaGroupID)
		})
	}
	return nil
}

// Finalize emits the group downstream. Calling it again for the same group,
// from the timer or otherwise, is a no-op.
func (a *Aggregator) Finalize(ctx context.Context, mediaGroupID string) {
	a.mu.Lock()
	group, ok := a.groups[mediaGroupID]
	if !ok || group.processed {
		a.mu.Unlock()
		return
	}
	group.processed = true
	events := group.events
	items := group.items
	ticketID := group.ticketID
	a.mu.Unlock()

	// The processed entry lingers for one more settle window so stragglers
	// are dropped instead of reopening the group.
	time.AfterFunc(a.delay, func() {
		a.mu.Lock()
		delete(a.groups, mediaGroupID)
		a.mu.Unlock()
	})

	if len(events) == 0 {
		a.logger.Warn("dropping empty media group", zap.String("media_group_id", mediaGroupID))
		return
	}

	representative := events[len(events)-1]
	for _, event := range events {
		if event.Body() != "" {
			representative = event
			break
		}
	}

	a.finalize(ctx, &Group{
		MediaGroupID:   mediaGroupID,
		TicketID:       ticketID,
		Representative: representative,
		Events:         events,
		Items:          items,
	})
}
