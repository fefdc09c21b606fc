package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"attendly/internal/dto"
	"attendly/internal/rabbit"
)

const DefaultInterval = 60 * time.Second

// BatchUpdater is the slice of the status engine the updater drives.
type BatchUpdater interface {
	AutoUpdateAll(ctx context.Context, ownerID string) (int, error)
}

// Update is what subscribers receive after a batch run changed something.
type Update struct {
	OwnerID string
	Updated int
	At      time.Time
}

// AutoUpdater periodically re-derives event statuses through the status
// engine. It is a constructed instance owned by the composition root, not
// a package-level singleton; at most one timer loop runs per instance.
type AutoUpdater struct {
	engine    BatchUpdater
	publisher rabbit.Publisher
	log       *zerolog.Logger
	interval  time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	subs    map[int]func(Update)
	nextSub int
}

func NewAutoUpdater(engine BatchUpdater, publisher rabbit.Publisher, log *zerolog.Logger, interval time.Duration) *AutoUpdater {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &AutoUpdater{
		engine:    engine,
		publisher: publisher,
		log:       log,
		interval:  interval,
		subs:      make(map[int]func(Update)),
	}
}

// Subscribe registers a callback for status-change notifications and
// returns the matching unsubscribe.
func (u *AutoUpdater) Subscribe(fn func(Update)) func() {
	u.mu.Lock()
	defer u.mu.Unlock()

	id := u.nextSub
	u.nextSub++
	u.subs[id] = fn
	return func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		delete(u.subs, id)
	}
}

// Start launches the update loop for the owner's events: one immediate run,
// then one per interval. Calling Start while running is a no-op.
func (u *AutoUpdater) Start(ownerID string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	u.done = make(chan struct{})

	go u.run(ctx, ownerID, u.done)
	u.log.Info().Str("owner_id", ownerID).Dur("interval", u.interval).Msg("auto status updater started")
}

// Stop cancels the loop and waits for it to finish. No tick is scheduled
// after Stop returns; calling Stop while not running is a no-op.
func (u *AutoUpdater) Stop() {
	u.mu.Lock()
	cancel := u.cancel
	done := u.done
	u.cancel = nil
	u.done = nil
	u.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	u.log.Info().Msg("auto status updater stopped")
}

func (u *AutoUpdater) run(ctx context.Context, ownerID string, done chan struct{}) {
	defer close(done)

	u.tick(ctx, ownerID)

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.tick(ctx, ownerID)
		}
	}
}

func (u *AutoUpdater) tick(ctx context.Context, ownerID string) {
	updated, err := u.engine.AutoUpdateAll(ctx, ownerID)
	if err != nil {
		u.log.Error().Err(err).Str("owner_id", ownerID).Msg("status refresh tick failed")
		return
	}
	if updated == 0 {
		return
	}

	update := Update{OwnerID: ownerID, Updated: updated, At: time.Now()}
	u.notify(update)
	u.broadcast(update)
}

func (u *AutoUpdater) notify(update Update) {
	u.mu.Lock()
	subs := make([]func(Update), 0, len(u.subs))
	for _, fn := range u.subs {
		subs = append(subs, fn)
	}
	u.mu.Unlock()

	for _, fn := range subs {
		fn(update)
	}
}

func (u *AutoUpdater) broadcast(update Update) {
	if u.publisher == nil {
		return
	}
	msg := dto.NotificationMessage{
		Type: dto.NotificationStatusesUpdated,
		Statuses: &dto.StatusesUpdatedNotification{
			OwnerID: update.OwnerID,
			Updated: update.Updated,
			At:      update.At,
		},
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		u.log.Error().Err(err).Msg("failed to marshal statuses-updated message")
		return
	}
	if err := u.publisher.Publish(payload, 0); err != nil {
		u.log.Warn().Err(err).Msg("failed to broadcast statuses-updated message")
	}
}
