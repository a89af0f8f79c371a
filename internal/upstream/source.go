// Package upstream defines the contract against the broker's historical
// data API. Implementations are expected to route every call through the
// shared rate limiter and to distinguish authentication failures from
// ordinary transport errors.
package upstream

import (
	"context"
	"errors"
	"time"

	"optcollect/internal/ratelimit"
)

// ErrUnauthenticated marks a 401/403 from the broker. Collection treats it
// as fatal for the whole task.
var ErrUnauthenticated = errors.New("upstream: unauthenticated")

// ErrRateLimited marks a 429 that survived the client's single retry.
var ErrRateLimited = errors.New("upstream: rate limited")

// ContractKind classifies one expired instrument.
type ContractKind string

const (
	KindCall   ContractKind = "CE"
	KindPut    ContractKind = "PE"
	KindFuture ContractKind = "FUT"
)

// Contract is one expired derivative as reported by the broker.
type Contract struct {
	ExpiredKey    string // opaque unique key assigned by the broker
	InstrumentKey string
	Symbol        string
	Expiry        time.Time
	Kind          ContractKind
	Strike        float64 // zero for futures
}

// ContractSet groups one expiry's option and future contracts.
type ContractSet struct {
	Options []Contract
	Futures []Contract
}

// Candle is one OHLCV(+OI) observation.
type Candle struct {
	Timestamp    time.Time
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       int64
	OpenInterest int64
}

// Source is the remote data source. All calls block on rate-limit
// admission with the given priority before hitting the network.
type Source interface {
	Expiries(ctx context.Context, instrumentKey string, prio ratelimit.Priority) ([]time.Time, error)
	Contracts(ctx context.Context, instrumentKey string, expiry time.Time, prio ratelimit.Priority) (ContractSet, error)
	Candles(ctx context.Context, contractKey string, from, to time.Time, interval string, prio ratelimit.Priority) ([]Candle, error)
}
