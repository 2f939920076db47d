package engine

import (
	"context"
	"os"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/blitedb/blite/codec"
)

// Backup writes a consistent copy of the database file to |path|.
func (e *Engine) Backup(path string) error {
	var f, err = os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return e.db.View(func(btx *bolt.Tx) error {
		var _, err = btx.WriteTo(f)
		return err
	})
}

// PurgeExpired removes documents of every time-series collection whose TTL
// field is older than the configured retention. It returns the number of
// purged documents.
func (e *Engine) PurgeExpired(ctx context.Context, now func() int64) (int, error) {
	e.mu.RLock()
	var targets []*collectionMeta
	for _, m := range e.metas {
		if m.TimeSeries != nil {
			targets = append(targets, m)
		}
	}
	e.mu.RUnlock()

	var purged int
	for _, m := range targets {
		var cutoff = now() - m.TimeSeries.Retention.Nanoseconds()

		var expired []codec.DocID
		if err := e.Scan(ctx, m.Name, func(id codec.DocID, doc codec.Document) error {
			var v, ok = doc.Lookup(m.TimeSeries.TTLField)
			if !ok || v.Kind != codec.KindTimestamp {
				return nil
			}
			if v.I < cutoff {
				expired = append(expired, id)
			}
			return nil
		}); err != nil {
			return purged, err
		}

		var events []Event
		if err := e.db.Update(func(btx *bolt.Tx) error {
			for _, id := range expired {
				var found, err = e.deleteTx(btx, m, id)
				if err != nil {
					return err
				}
				if found {
					events = append(events, Event{Op: OpDelete, Collection: m.Name, ID: id})
				}
			}
			return nil
		}); err != nil {
			return purged, err
		}
		e.hub.publish(events)
		purged += len(events)

		if len(events) > 0 {
			log.WithFields(log.Fields{"collection": m.Name, "purged": len(events)}).
				Debug("purged expired time-series documents")
		}
	}
	return purged, nil
}
