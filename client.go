package ras

import (
	gocontext "context"

	"github.com/sem1-nordic/go-ras/internal/bufpool"
	"github.com/sem1-nordic/go-ras/internal/gatt"
	"github.com/sem1-nordic/go-ras/internal/logging"
	"github.com/sem1-nordic/go-ras/internal/registry"
	"github.com/sem1-nordic/go-ras/internal/rreq"
)

// Client is the requestor-side entry point: one rreq.Context per
// connection, each driving the RAS-CP command/response exchange and
// segment reassembly for that peer.
type Client struct {
	cfg     ClientConfig
	link    gatt.ClientLink
	logger  *logging.Logger
	metrics *Metrics
	conns   *registry.Registry[*rreq.Context]
}

// NewClient creates a Client bound to link.
func NewClient(link gatt.ClientLink, cfg ClientConfig, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		cfg:     cfg,
		link:    link,
		logger:  logger,
		metrics: NewMetrics(),
		conns:   registry.New[*rreq.Context](),
	}
}

// Metrics returns the client's metrics instance.
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// HandleConnect creates and starts an rreq.Context for a newly established
// connection.
func (c *Client) HandleConnect(conn gatt.ConnHandle) {
	observer := NewMetricsObserver(c.metrics)
	rc := rreq.NewContext(conn, c.link, observer, c.logger)
	rc.Start()
	c.conns.Put(conn, rc)
}

// HandleDisconnect tears down the connection's rreq.Context.
func (c *Client) HandleDisconnect(conn gatt.ConnHandle) {
	rc, ok := c.conns.Get(conn)
	if !ok {
		return
	}
	rc.Close()
	c.conns.Delete(conn)
}

// HandleNotify routes an incoming notification to the connection's
// rreq.Context.
func (c *Client) HandleNotify(conn gatt.ConnHandle, handle gatt.CharHandle, data []byte) {
	if rc, ok := c.conns.Get(conn); ok {
		rc.HandleNotify(handle, data)
	}
}

// HandleIndicate routes an incoming indication to the connection's
// rreq.Context.
func (c *Client) HandleIndicate(conn gatt.ConnHandle, handle gatt.CharHandle, data []byte, confirm func(error)) {
	if rc, ok := c.conns.Get(conn); ok {
		rc.HandleIndicate(handle, data, confirm)
		return
	}
	if confirm != nil {
		confirm(NewConnError("HandleIndicate", uint16(conn), ErrCodeConnectionGone, "no active context for connection"))
	}
}

// GetRangingData fetches the ranging-data record identified by counter
// from the peer on conn, blocking until fully reassembled or ctx ends. If
// ctx carries no deadline of its own, cfg.RequestTimeout (when positive)
// bounds the wait.
func (c *Client) GetRangingData(ctx gocontext.Context, conn gatt.ConnHandle, counter bufpool.RangingCounter) ([]byte, error) {
	rc, ok := c.conns.Get(conn)
	if !ok {
		return nil, NewConnError("GetRangingData", uint16(conn), ErrCodeConnectionGone, "no active context for connection")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.cfg.RequestTimeout > 0 {
		var cancel gocontext.CancelFunc
		ctx, cancel = gocontext.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}
	data, err := rc.GetRangingData(ctx, counter)
	if err != nil {
		return nil, WrapError("GetRangingData", uint16(conn), err)
	}
	return data, nil
}

// ConnectionCount reports how many connections currently have an active
// rreq.Context.
func (c *Client) ConnectionCount() int {
	return c.conns.Len()
}
