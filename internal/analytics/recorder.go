package analytics

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"securechat/internal/logger"
	"securechat/internal/room"
)

// Store persists room lifecycle documents.
type Store interface {
	RoomOpened(ctx context.Context, doc *RoomStatsDocument) error
	RoomClosed(ctx context.Context, doc *RoomStatsDocument) error
}

type event struct {
	doc    *RoomStatsDocument
	closed bool
}

// Recorder implements room.Recorder. Events are queued and written by Run so
// a slow store never blocks the registry. When the queue is full the event
// is dropped.
type Recorder struct {
	store        Store
	events       chan event
	writeTimeout time.Duration
	dropped      atomic.Int64
	log          *zap.Logger
}

var _ room.Recorder = (*Recorder)(nil)

// NewRecorder queues up to buffer events in front of store.
func NewRecorder(store Store, buffer int, log *zap.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	return &Recorder{
		store:        store,
		events:       make(chan event, buffer),
		writeTimeout: 5 * time.Second,
		log:          logger.OrNop(log).Named("analytics"),
	}
}

func (r *Recorder) RoomCreated(stats room.Stats) { r.enqueue(event{doc: FromStats(stats, false)}) }

func (r *Recorder) RoomExpired(stats room.Stats) {
	r.enqueue(event{doc: FromStats(stats, true), closed: true})
}

// Dropped counts events lost to a full queue.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

func (r *Recorder) enqueue(e event) {
	select {
	case r.events <- e:
	default:
		r.dropped.Add(1)
		r.log.Warn("analytics queue full, dropping event", zap.String("room", e.doc.RoomID))
	}
}

// Run writes queued events until ctx ends, then drains what is left.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case e := <-r.events:
			r.write(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-r.events:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(e event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	var err error
	if e.closed {
		err = r.store.RoomClosed(ctx, e.doc)
	} else {
		err = r.store.RoomOpened(ctx, e.doc)
	}
	if err != nil {
		r.log.Error("analytics write failed", zap.String("room", e.doc.RoomID), zap.Bool("closed", e.closed), zap.Error(err))
	}
}

// LogStore writes lifecycle events to the log. It is used when no database
// is configured.
type LogStore struct {
	Log *zap.Logger
}

func (s LogStore) RoomOpened(_ context.Context, doc *RoomStatsDocument) error {
	logger.OrNop(s.Log).Info("room opened", zap.String("room", doc.RoomID), zap.Time("expires_at", doc.ExpiresAt))
	return nil
}

func (s LogStore) RoomClosed(_ context.Context, doc *RoomStatsDocument) error {
	logger.OrNop(s.Log).Info("room closed",
		zap.String("room", doc.RoomID),
		zap.Int("members", doc.PeakMembers),
		zap.Int("messages", doc.MessageCount),
		zap.Duration("lifetime", doc.Lifetime),
	)
	return nil
}
