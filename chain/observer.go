package chain

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	RPCUrl          string        `yaml:"rpcUrl" env:"CHAIN_RPC_URL" env-description:"Node websocket URL, defaults to the network profile"`
	EraPollInterval time.Duration `yaml:"eraPollInterval" env:"CHAIN_ERA_POLL_INTERVAL" env-default:"10m"`
	ReconnectDelay  time.Duration `yaml:"reconnectDelay" env:"CHAIN_RECONNECT_DELAY" env-default:"10s"`
}

// HeadSource is the part of the node client the observer needs.
type HeadSource interface {
	FinalizedHeads(ctx context.Context) (<-chan Head, <-chan error, error)
	ActiveEra(ctx context.Context) (uint32, error)
}

type BlockEvent struct {
	Head
}

type EraEvent struct {
	Era uint32
}

// Event carries exactly one of Block or Era.
type Event struct {
	Block *BlockEvent
	Era   *EraEvent
}

// Observer turns the finalized head subscription and the era poll into a
// single event stream.
type Observer struct {
	source HeadSource
	cfg    Config
	logger *zap.Logger

	events  chan Event
	lastEra uint32
}

// NewObserver creates an observer. lastEra is the era seen before a restart;
// zero means unknown and suppresses the first era change.
func NewObserver(source HeadSource, cfg Config, lastEra uint32, logger *zap.Logger) *Observer {
	if cfg.EraPollInterval <= 0 {
		cfg.EraPollInterval = 10 * time.Minute
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 10 * time.Second
	}
	return &Observer{
		source:  source,
		cfg:     cfg,
		logger:  logger.With(zap.String("who", "Observer")),
		events:  make(chan Event, 64),
		lastEra: lastEra,
	}
}

func (o *Observer) Events() <-chan Event {
	return o.events
}

// Run blocks until ctx is done, re-subscribing after connection errors.
// The event channel is closed on return.
func (o *Observer) Run(ctx context.Context) {
	defer close(o.events)
	for {
		err := o.runLoop(ctx)
		if ctx.Err() != nil {
			return
		}
		o.logger.Warn("subscription lost, reconnecting", zap.Error(err), zap.Duration("in", o.cfg.ReconnectDelay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.cfg.ReconnectDelay):
		}
	}
}

func (o *Observer) runLoop(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	heads, errs, err := o.source.FinalizedHeads(loopCtx)
	if err != nil {
		return err
	}
	o.logger.Info("subscribed to finalized heads")

	o.pollEra(loopCtx)
	ticker := time.NewTicker(o.cfg.EraPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-loopCtx.Done():
			return loopCtx.Err()
		case err := <-errs:
			return err
		case <-ticker.C:
			o.pollEra(loopCtx)
		case head, ok := <-heads:
			if !ok {
				return nil
			}
			o.emit(loopCtx, Event{Block: &BlockEvent{Head: head}})
		}
	}
}

func (o *Observer) pollEra(ctx context.Context) {
	era, err := o.source.ActiveEra(ctx)
	if err != nil {
		o.logger.Warn("failed to query active era", zap.Error(err))
		return
	}
	if !o.observeEra(era) {
		return
	}
	o.logger.Info("era changed", zap.Uint32("era", era))
	o.emit(ctx, Event{Era: &EraEvent{Era: era}})
}

// observeEra records era and reports whether it is a change worth announcing.
func (o *Observer) observeEra(era uint32) bool {
	previous := o.lastEra
	if era > previous {
		o.lastEra = era
	}
	return previous != 0 && era > previous
}

func (o *Observer) emit(ctx context.Context, ev Event) {
	select {
	case o.events <- ev:
	case <-ctx.Done():
	}
}
