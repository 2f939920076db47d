package embedding

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/blitedb/blite/engine"
	"github.com/blitedb/blite/registry"
)

// Populator feeds the queue from engine change-capture feeds. It watches
// every collection that carries both a vector source and a vector index,
// and rescans periodically so newly configured collections are picked up
// without a restart.
type Populator struct {
	reg   *registry.Registry
	queue *Queue

	mu       sync.Mutex
	watching map[string]context.CancelFunc // "db|col"
}

// NewPopulator builds a Populator over |reg| feeding |queue|.
func NewPopulator(reg *registry.Registry, queue *Queue) *Populator {
	return &Populator{reg: reg, queue: queue, watching: make(map[string]context.CancelFunc)}
}

// Run rescans for eligible collections every |rescan| until |ctx| is
// cancelled. Watch goroutines exit with the context.
func (p *Populator) Run(ctx context.Context, rescan time.Duration) {
	if rescan <= 0 {
		rescan = 10 * time.Second
	}
	p.scan(ctx)
	var ticker = time.NewTicker(rescan)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.scan(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Populator) scan(ctx context.Context) {
	var dbs = []string{registry.SystemID}
	if tenants, err := p.reg.List(); err == nil {
		for _, t := range tenants {
			if t.Active {
				dbs = append(dbs, t.ID)
			}
		}
	}
	for _, db := range dbs {
		var e, err = p.reg.Get(db)
		if err != nil {
			continue
		}
		for _, col := range e.Collections() {
			if _, ok := e.GetVectorSource(col); !ok {
				continue
			}
			if _, ok := e.VectorIndex(col, ""); !ok {
				continue
			}
			p.ensureWatch(ctx, db, col)
		}
	}
}

// ensureWatch starts a change-feed watcher for (|db|, |col|) once.
func (p *Populator) ensureWatch(ctx context.Context, db, col string) {
	var key = db + "|" + col
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.watching[key]; ok {
		return
	}
	var sub, err = p.reg.SubscribeChange(db, col, 256)
	if err != nil {
		return
	}
	watchCtx, cancel := context.WithCancel(ctx)
	p.watching[key] = cancel
	go func() {
		defer func() {
			sub.Cancel()
			p.mu.Lock()
			delete(p.watching, key)
			p.mu.Unlock()
		}()
		p.watch(watchCtx, db, col, sub)
	}()
	log.WithFields(log.Fields{"database": db, "collection": col}).Info("watching collection for embedding")
}

func (p *Populator) watch(ctx context.Context, db, col string, sub *engine.Subscription) {
	for {
		select {
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			var err error
			switch event.Op {
			case engine.OpInsert, engine.OpUpdate:
				err = p.queue.Enqueue(db, col, event.ID)
			case engine.OpDelete:
				err = p.queue.Remove(db, col, event.ID)
			}
			if err != nil {
				log.WithFields(log.Fields{"database": db, "collection": col, "err": err}).
					Warn("failed to record embedding work")
			}
		case <-ctx.Done():
			return
		}
	}
}
