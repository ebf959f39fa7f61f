package ras

import (
	"github.com/sem1-nordic/go-ras/internal/bufpool"
	"github.com/sem1-nordic/go-ras/internal/gatt"
	"github.com/sem1-nordic/go-ras/internal/ingest"
	"github.com/sem1-nordic/go-ras/internal/logging"
	"github.com/sem1-nordic/go-ras/internal/registry"
	"github.com/sem1-nordic/go-ras/internal/rrsp"
)

// Service is the responder-side entry point: it owns the shared buffer
// pool, the ingest path that turns controller subevents into procedure
// buffers, and one rrsp.Context per live connection. It is grounded on the
// teacher's device-level object (ublk.CreateAndServe's returned Device)
// generalized from one kernel block device to many concurrent BLE
// connections sharing one pool.
type Service struct {
	cfg     ServiceConfig
	link    gatt.Link
	pool    *bufpool.Pool
	ingest  *ingest.Ingest
	logger  *logging.Logger
	metrics *Metrics
	conns   *registry.Registry[*rrsp.Context]
}

// NewService creates a Service bound to link. link is shared by every
// connection; link.MTU/Subscribed must be scoped per gatt.ConnHandle.
func NewService(link gatt.Link, cfg ServiceConfig, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	metrics := NewMetrics()
	observer := NewMetricsObserver(metrics)
	pool := bufpool.New(cfg.poolConfig())
	return &Service{
		cfg:     cfg,
		link:    link,
		pool:    pool,
		ingest:  ingest.New(pool, cfg.ingestConfig(observer), logger),
		logger:  logger,
		metrics: metrics,
		conns:   registry.New[*rrsp.Context](),
	}
}

// Metrics returns the service's metrics instance.
func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// HandleConnect creates and starts an rrsp.Context for a newly established
// connection. Call once per connection before any GATT traffic for it is
// dispatched to the service.
func (s *Service) HandleConnect(conn gatt.ConnHandle) {
	observer := NewMetricsObserver(s.metrics)
	rc := rrsp.NewContext(conn, s.link, s.pool, s.cfg.rrspConfig(observer), s.logger)
	rc.Start()
	s.conns.Put(conn, rc)
}

// HandleDisconnect tears down the connection's rrsp.Context and releases
// any buffers it held claimed.
func (s *Service) HandleDisconnect(conn gatt.ConnHandle) {
	rc, ok := s.conns.Get(conn)
	if !ok {
		return
	}
	rc.Close()
	s.conns.Delete(conn)
}

// HandleControlPointWrite routes an incoming RAS-CP command write to the
// connection's rrsp.Context.
func (s *Service) HandleControlPointWrite(conn gatt.ConnHandle, data []byte) error {
	rc, ok := s.conns.Get(conn)
	if !ok {
		return NewConnError("HandleControlPointWrite", uint16(conn), ErrCodeConnectionGone, "no active context for connection")
	}
	if err := rc.HandleControlPointWrite(data); err != nil {
		return WrapError("HandleControlPointWrite", uint16(conn), err)
	}
	return nil
}

// Ingest exposes the shared ingest path for the controller-facing code
// that feeds CS subevent results into the pool.
func (s *Service) Ingest() *ingest.Ingest {
	return s.ingest
}

// ConnectionCount reports how many connections currently have an active
// rrsp.Context.
func (s *Service) ConnectionCount() int {
	return s.conns.Len()
}
