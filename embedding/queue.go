package embedding

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/blitedb/blite/codec"
	"github.com/blitedb/blite/engine"
)

// QueueCollection is the system collection holding pending embedding work.
const QueueCollection = "_emb_queue"

// Item states. Completed items are retained as done until the next write
// to the same document re-enqueues them.
const (
	StateTodo       = "todo"
	StateInProgress = "in_progress"
	StateDone       = "done"
)

// Item is one unit of embedding work: a (database, collection, document)
// triple. Re-enqueueing the same triple supersedes the earlier entry, so a
// document embeds at most once per burst of writes.
type Item struct {
	DB             string
	Collection     string
	DocID          codec.DocID
	State          string
	EnqueuedAt     time.Time
	StateChangedAt time.Time
}

// key is the queue document id: stable per (db, col, doc).
func (it Item) key() string {
	return strings.Join([]string{it.DB, it.Collection, it.DocID.String()}, ":")
}

// Queue is the persistent embedding work queue, stored in the system
// engine so it survives restarts.
type Queue struct {
	sys *engine.Engine
}

// NewQueue binds the queue to the system engine.
func NewQueue(sys *engine.Engine) *Queue { return &Queue{sys: sys} }

// Enqueue records that the document must be (re-)embedded. An existing
// entry for the triple is overwritten back to todo, superseding any claim.
func (q *Queue) Enqueue(db, col string, id codec.DocID) error {
	var it = Item{DB: db, Collection: col, DocID: id, State: StateTodo, EnqueuedAt: time.Now()}
	var doc = itemToDoc(it)
	var found, err = q.sys.Update(QueueCollection, doc)
	if err != nil {
		return err
	}
	if !found {
		_, err = q.sys.Insert(QueueCollection, doc)
	}
	if err == nil {
		queueEnqueued.Inc()
	}
	return err
}

// Remove drops any pending entry for the triple, for deleted documents.
func (q *Queue) Remove(db, col string, id codec.DocID) error {
	var it = Item{DB: db, Collection: col, DocID: id}
	_, err := q.sys.Delete(QueueCollection, codec.DocID{Kind: codec.IDString, Raw: []byte(it.key())})
	return err
}

// TakeBatch atomically claims up to |n| items: every todo entry plus any
// in_progress entry claimed before |staleBefore| (an earlier worker that
// died or failed). Claims are ordered oldest-first by enqueue time.
func (q *Queue) TakeBatch(n int, staleBefore time.Time) ([]Item, error) {
	var tx, err = q.sys.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var eligible []Item
	err = tx.Scan(context.Background(), QueueCollection, func(_ codec.DocID, doc codec.Document) error {
		var it, err = itemFromDoc(doc)
		if err != nil {
			log.WithField("err", err).Warn("dropping malformed embedding queue entry")
			return nil
		}
		if it.State == StateTodo || (it.State == StateInProgress && it.StateChangedAt.Before(staleBefore)) {
			eligible = append(eligible, it)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortItems(eligible)
	if len(eligible) > n {
		eligible = eligible[:n]
	}

	var now = time.Now()
	for i := range eligible {
		eligible[i].State = StateInProgress
		eligible[i].StateChangedAt = now
		if _, err = tx.Update(QueueCollection, itemToDoc(eligible[i])); err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return eligible, nil
}

// Complete marks finished items done. The rows remain until a later write
// to the same document flips them back to todo.
func (q *Queue) Complete(items []Item) error {
	for _, it := range items {
		it.State = StateDone
		it.StateChangedAt = time.Now()
		if _, err := q.sys.Update(QueueCollection, itemToDoc(it)); err != nil {
			return err
		}
		queueCompleted.Inc()
	}
	return nil
}

// Stats counts queue entries per state.
func (q *Queue) Stats() (todo, inProgress, done int64, err error) {
	err = q.sys.Scan(context.Background(), QueueCollection, func(_ codec.DocID, doc codec.Document) error {
		switch state, _ := doc.Lookup("state"); state.S {
		case StateTodo:
			todo++
		case StateInProgress:
			inProgress++
		case StateDone:
			done++
		}
		return nil
	})
	return todo, inProgress, done, err
}

func sortItems(items []Item) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].EnqueuedAt.Before(items[j-1].EnqueuedAt); j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

func itemToDoc(it Item) codec.Document {
	var doc = codec.NewDocument()
	doc.Set(codec.IDField, codec.String(it.key()))
	doc.Set("db", codec.String(it.DB))
	doc.Set("collection", codec.String(it.Collection))
	doc.Set("docKey", codec.Bytes(it.DocID.Key()))
	doc.Set("state", codec.String(it.State))
	doc.Set("enqueuedAt", codec.Timestamp(it.EnqueuedAt))
	if !it.StateChangedAt.IsZero() {
		doc.Set("stateChangedAt", codec.Timestamp(it.StateChangedAt))
	}
	return doc
}

func itemFromDoc(doc codec.Document) (Item, error) {
	var it Item
	if v, ok := doc.Lookup("db"); ok {
		it.DB = v.S
	}
	if v, ok := doc.Lookup("collection"); ok {
		it.Collection = v.S
	}
	if v, ok := doc.Lookup("docKey"); ok {
		var id, err = codec.ParseKey(v.Raw)
		if err != nil {
			return Item{}, err
		}
		it.DocID = id
	}
	if v, ok := doc.Lookup("state"); ok {
		it.State = v.S
	}
	if v, ok := doc.Lookup("enqueuedAt"); ok {
		it.EnqueuedAt = time.Unix(0, v.I).UTC()
	}
	if v, ok := doc.Lookup("stateChangedAt"); ok {
		it.StateChangedAt = time.Unix(0, v.I).UTC()
	}
	return it, nil
}
