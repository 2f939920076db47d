package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/blitedb/blite/embedding"
	"github.com/blitedb/blite/httpapi"
	"github.com/blitedb/blite/identity"
	"github.com/blitedb/blite/qcache"
	"github.com/blitedb/blite/registry"
	"github.com/blitedb/blite/rpc"
	"github.com/blitedb/blite/txn"
)

// Server owns every long-lived component of a running process.
type Server struct {
	cfg Config

	reg       *registry.Registry
	store     *identity.Store
	cache     *qcache.Cache
	coord     *txn.Coordinator
	queue     *embedding.Queue
	populator *embedding.Populator
	worker    *embedding.Worker

	grpcSrv *rpc.Server
	httpSrv *http.Server
}

// New opens state and wires components; nothing listens yet.
func New(cfg Config) (*Server, error) {
	var reg, err = registry.Open(cfg.Data.Dir)
	if err != nil {
		return nil, fmt.Errorf("opening database registry: %w", err)
	}
	store, err := identity.OpenStore(reg.System())
	if err != nil {
		_ = reg.Close()
		return nil, fmt.Errorf("opening identity store: %w", err)
	}

	var cache = qcache.New(cfg.cacheConfig())
	var coord = txn.NewCoordinator(cfg.txnConfig(), reg, cache)
	var queue = embedding.NewQueue(reg.System())

	var s = &Server{
		cfg:       cfg,
		reg:       reg,
		store:     store,
		cache:     cache,
		coord:     coord,
		queue:     queue,
		populator: embedding.NewPopulator(reg, queue),
	}
	if cfg.EmbeddingWorker.Enabled {
		model, err := embedding.LoadModel(cfg.Embedding.ModelDirectory, cfg.Embedding.MaxTokens)
		if err != nil {
			_ = reg.Close()
			return nil, err
		}
		s.worker = embedding.NewWorker(cfg.workerConfig(), reg, queue, embedding.NewHolder(model))
	}

	var backend = &rpc.Backend{Registry: reg, Store: store, Txns: coord, Cache: cache}
	s.grpcSrv = rpc.NewServer(backend)

	var api = &httpapi.API{Registry: reg, Store: store, Txns: coord, Cache: cache}
	s.httpSrv = &http.Server{Addr: cfg.HTTP.Addr, Handler: api.Router()}

	return s, nil
}

// Run serves both surfaces and the background loops until |ctx| is
// cancelled, then shuts everything down in dependency order.
func (s *Server) Run(ctx context.Context) error {
	var grpcLis, err = net.Listen("tcp", s.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.cfg.GRPC.Addr, err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error { return s.grpcSrv.Serve(grpcLis) })
	group.Go(func() error {
		log.WithField("addr", s.cfg.HTTP.Addr).Info("serving HTTP surface")
		if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		s.coord.Run(groupCtx, 10*time.Second)
		return nil
	})
	group.Go(func() error {
		s.populator.Run(groupCtx, 10*time.Second)
		return nil
	})
	if s.worker != nil {
		group.Go(func() error {
			s.worker.Run(groupCtx)
			return nil
		})
	}
	group.Go(func() error { return s.purgeLoop(groupCtx) })

	group.Go(func() error {
		<-groupCtx.Done()
		var shutdownCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		s.grpcSrv.GracefulStop()
		return nil
	})

	err = group.Wait()
	if closeErr := s.reg.Close(); err == nil {
		err = closeErr
	}
	return err
}

// purgeLoop drops expired time-series documents across all engines.
func (s *Server) purgeLoop(ctx context.Context) error {
	var ticker = time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			var dbs = []string{registry.SystemID}
			if tenants, err := s.reg.List(); err == nil {
				for _, t := range tenants {
					if t.Active {
						dbs = append(dbs, t.ID)
					}
				}
			}
			for _, db := range dbs {
				var e, err = s.reg.Get(db)
				if err != nil {
					continue
				}
				if _, err = e.PurgeExpired(ctx, func() int64 { return time.Now().UnixNano() }); err != nil {
					log.WithFields(log.Fields{"database": db, "err": err}).Warn("time-series purge failed")
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}
