package ras

import (
	"time"

	"github.com/sem1-nordic/go-ras/internal/bufpool"
	"github.com/sem1-nordic/go-ras/internal/constants"
	"github.com/sem1-nordic/go-ras/internal/ingest"
	"github.com/sem1-nordic/go-ras/internal/rrsp"
)

// ServiceConfig bundles every tunable a Service needs to wire up its
// buffer pool, ingest path, and per-connection responder cores, mirroring
// the teacher's Params-style aggregate config passed to CreateAndServe.
type ServiceConfig struct {
	MaxConnections       int
	BuffersPerConnection int

	AckTimeout time.Duration

	// IndicationTimeout bounds how long a single segment indication may
	// stay unconfirmed before the responder treats it as lost and retries.
	// Zero keeps rrsp's own default.
	IndicationTimeout time.Duration

	// TxPower and AntennaPathsMask are stamped into each procedure's
	// RangingHeader; see the resolved Open Question in SPEC_FULL.md §6 on
	// why these are static config rather than sourced from a live CS
	// configuration exchange.
	TxPower          int8
	AntennaPathsMask uint8
}

// DefaultServiceConfig returns the recommended defaults, all sourced from
// internal/constants so the pool, ingest, and rrsp layers never drift.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		MaxConnections:       constants.DefaultMaxConnections,
		BuffersPerConnection: constants.DefaultBuffersPerConnection,
		AckTimeout:           constants.DefaultAckTimeout,
		IndicationTimeout:    constants.DefaultIndicationTimeout,
		TxPower:              constants.DefaultTxPower,
		AntennaPathsMask:     constants.DefaultAntennaPathsMask,
	}
}

func (c ServiceConfig) poolConfig() bufpool.Config {
	return bufpool.Config{
		MaxConnections:       c.MaxConnections,
		BuffersPerConnection: c.BuffersPerConnection,
	}
}

func (c ServiceConfig) ingestConfig(obs ingest.Observer) ingest.Config {
	return ingest.Config{
		TxPower:          c.TxPower,
		AntennaPathsMask: c.AntennaPathsMask,
		Observer:         obs,
	}
}

func (c ServiceConfig) rrspConfig(obs rrsp.Observer) rrsp.Config {
	cfg := rrsp.DefaultConfig()
	if c.AckTimeout > 0 {
		cfg.AckTimeout = c.AckTimeout
	}
	if c.IndicationTimeout > 0 {
		cfg.IndicationTimeout = c.IndicationTimeout
	}
	cfg.Observer = obs
	return cfg
}

// ClientConfig bundles the tunables a Client needs for its per-connection
// requestor cores.
type ClientConfig struct {
	// RequestTimeout bounds how long GetRangingData blocks waiting for a
	// reply when the caller does not supply its own context deadline. Zero
	// means "use the caller's context only".
	RequestTimeout time.Duration
}

// DefaultClientConfig returns the recommended defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{RequestTimeout: 30 * time.Second}
}
