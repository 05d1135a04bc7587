// internal/storage/journal.go
package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/events"
	"github.com/rovshanmuradov/solana-copybot/internal/storage/models"
)

// Journal persists pipeline outcomes published on the event bus.
type Journal struct {
	store  Storage
	logger *zap.Logger
	subs   []events.Subscription
}

func NewJournal(store Storage, logger *zap.Logger) *Journal {
	return &Journal{store: store, logger: logger.Named("journal")}
}

// Attach subscribes the journal to every execution outcome type.
func (j *Journal) Attach(bus *events.Bus) {
	for _, t := range events.ExecutionTypes {
		j.subs = append(j.subs, bus.Subscribe(t, events.HandlerFunc(j.handle)))
	}
}

// Detach removes the journal's subscriptions.
func (j *Journal) Detach() {
	for _, s := range j.subs {
		s.Unsubscribe()
	}
	j.subs = nil
}

func (j *Journal) handle(ctx context.Context, event events.Event) error {
	ev, ok := event.(*events.ExecutionEvent)
	if !ok {
		return fmt.Errorf("unexpected event %T on %s", event, event.Type())
	}

	row := models.FromReport(ev.Report, models.StatusFor(ev.Type()))
	if err := j.store.SaveExecution(ctx, row); err != nil {
		j.logger.Error("Failed to journal execution",
			zap.String("execution_id", row.ExecutionID),
			zap.String("asset", row.AssetID),
			zap.String("signature", row.Signature),
			zap.Error(err))
		return err
	}
	return nil
}
