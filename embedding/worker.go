package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/blitedb/blite/codec"
	"github.com/blitedb/blite/registry"
)

// hashField stores the digest of the source text a vector was computed
// from. It lets the worker skip documents whose inputs have not changed,
// which also breaks the feedback cycle of its own vector writes flowing
// back through the change feed.
const hashField = "_vecHash"

// WorkerConfig controls the batch worker.
type WorkerConfig struct {
	Interval     time.Duration
	BatchSize    int
	StaleTimeout time.Duration
}

// Worker drains the queue in batches: phase A loads documents and computes
// vectors outside any transaction, phase B writes them back under one
// engine transaction per database.
type Worker struct {
	cfg   WorkerConfig
	reg   *registry.Registry
	queue *Queue
	model *Holder
}

// NewWorker builds a Worker.
func NewWorker(cfg WorkerConfig, reg *registry.Registry, queue *Queue, model *Holder) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = 10 * time.Minute
	}
	return &Worker{cfg: cfg, reg: reg, queue: queue, model: model}
}

// Run ticks until |ctx| is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var ticker = time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				log.WithField("err", err).Warn("embedding tick failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// pending is one claimed item resolved to its document and source text.
type pending struct {
	item  Item
	doc   codec.Document
	field string
	text  string
	hash  string
}

// Tick claims and processes one batch. Items whose document, source, or
// index vanished are completed without effect; items that fail to write
// stay claimed and are retried after the stale timeout.
func (w *Worker) Tick(ctx context.Context) error {
	var batch, err = w.queue.TakeBatch(w.cfg.BatchSize, time.Now().Add(-w.cfg.StaleTimeout))
	if err != nil || len(batch) == 0 {
		return err
	}
	var model = w.model.Get()

	// Phase A: resolve documents and synthesise input texts.
	var work []pending
	var done []Item
	for _, it := range batch {
		var p, ok, err = w.resolve(it, model.Dims())
		if err != nil {
			log.WithFields(log.Fields{"db": it.DB, "collection": it.Collection, "err": err}).
				Warn("skipping embedding item")
			continue // stays claimed, retried when stale
		}
		if !ok {
			done = append(done, it)
			continue
		}
		work = append(work, p)
	}

	if len(work) > 0 {
		var texts = make([]string, len(work))
		for i, p := range work {
			texts[i] = p.text
		}
		vectors, err := model.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding batch of %d: %w", len(texts), err)
		}

		// Phase B: one transaction per database.
		var byDB = make(map[string][]int)
		for i, p := range work {
			byDB[p.item.DB] = append(byDB[p.item.DB], i)
		}
		for db, indexes := range byDB {
			var wrote, err = w.writeBack(db, work, indexes, vectors)
			done = append(done, wrote...)
			if err != nil {
				log.WithFields(log.Fields{"database": db, "err": err}).Warn("embedding write-back failed")
			}
		}
	}

	embeddedDocs.Add(float64(len(done)))
	return w.queue.Complete(done)
}

// resolve loads the item's document and computes its source text. ok is
// false when the item should be discarded: the document or its embedding
// configuration is gone, or the stored vector is already current.
func (w *Worker) resolve(it Item, dims int) (pending, bool, error) {
	var e, err = w.reg.Get(it.DB)
	if err != nil {
		return pending{}, false, nil // database deprovisioned
	}
	var src, okSrc = e.GetVectorSource(it.Collection)
	var ix, okIx = e.VectorIndex(it.Collection, "")
	if !okSrc || !okIx {
		return pending{}, false, nil
	}
	doc, found, err := e.FindByID(it.Collection, it.DocID)
	if err != nil {
		return pending{}, false, err
	}
	if !found {
		return pending{}, false, nil
	}

	var text = src.Text(func(path string) (string, bool) {
		var v, ok = doc.Lookup(path)
		if !ok || v.Kind == codec.KindNull {
			return "", false
		}
		return v.Text(), true
	})
	var hash = textHash(text, dims)
	if cur, ok := doc.Lookup(hashField); ok && cur.S == hash {
		return pending{}, false, nil // already embedded from this input
	}
	return pending{item: it, doc: doc, field: ix.Field, text: text, hash: hash}, true, nil
}

// writeBack applies the computed vectors for one database in a single
// transaction and returns the items that committed.
func (w *Worker) writeBack(db string, work []pending, indexes []int, vectors [][]float32) ([]Item, error) {
	var e, err = w.reg.Get(db)
	if err != nil {
		// Database vanished between phases; the work is moot.
		var moot []Item
		for _, i := range indexes {
			moot = append(moot, work[i].item)
		}
		return moot, nil
	}
	tx, err := e.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var wrote []Item
	for _, i := range indexes {
		var p = work[i]
		p.doc.Set(p.field, codec.Vector32(vectors[i]))
		p.doc.Set(hashField, codec.String(p.hash))
		if _, err = tx.Update(p.item.Collection, p.doc); err != nil {
			return nil, err
		}
		wrote = append(wrote, p.item)
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return wrote, nil
}

func textHash(text string, dims int) string {
	var h = fnv.New64a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%x:%d", h.Sum64(), dims)
}
