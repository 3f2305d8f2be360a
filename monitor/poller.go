package monitor

import (
	"context"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/stakestar/tvpbot/db"
	"github.com/stakestar/tvpbot/logger"
	"github.com/stakestar/tvpbot/notify"
)

type PollerConfig struct {
	Interval      time.Duration `yaml:"interval" env:"POLL_INTERVAL" env-default:"5m" env-description:"How often watched validators are refreshed"`
	Workers       int           `yaml:"workers" env:"POLL_WORKERS" env-default:"4"`
	UpdateTimeout time.Duration `yaml:"updateTimeout" env:"POLL_UPDATE_TIMEOUT" env-default:"30s"`
}

type ValidatorLister interface {
	ListValidators() ([]db.Validator, error)
}

type Updater interface {
	Update(ctx context.Context, stash string) ([]notify.Event, error)
}

// Poller refreshes every watched validator on a fixed interval, fanning the
// updates out over a bounded worker pool.
type Poller struct {
	store  ValidatorLister
	differ Updater
	cfg    PollerConfig
	pool   pond.Pool
	cron   *cron.Cron
	logger *zap.Logger
}

func NewPoller(store ValidatorLister, differ Updater, cfg PollerConfig, l *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.UpdateTimeout <= 0 {
		cfg.UpdateTimeout = 30 * time.Second
	}
	l = logger.Component(l, "poller")
	return &Poller{
		store:  store,
		differ: differ,
		cfg:    cfg,
		pool:   pond.NewPool(cfg.Workers, pond.WithQueueSize(1024)),
		cron: cron.New(cron.WithChain(
			cron.Recover(logger.Cron(l)),
			cron.SkipIfStillRunning(logger.Cron(l)),
		)),
		logger: l,
	}
}

func (p *Poller) Start(ctx context.Context) error {
	_, err := p.cron.AddFunc("@every "+p.cfg.Interval.String(), func() {
		p.Poll(ctx)
	})
	if err != nil {
		return errors.Wrap(err, "could not schedule poller")
	}
	p.cron.Start()
	p.logger.Info("poller started", zap.Duration("interval", p.cfg.Interval), zap.Int("workers", p.cfg.Workers))
	return nil
}

func (p *Poller) Stop() {
	<-p.cron.Stop().Done()
	p.pool.StopAndWait()
}

// Poll runs one update cycle and blocks until every validator was handled.
func (p *Poller) Poll(ctx context.Context) {
	start := time.Now()
	validators, err := p.store.ListValidators()
	if err != nil {
		p.logger.Error("could not list validators", zap.Error(err))
		return
	}

	var changed, failed atomic.Int32
	group := p.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i := range validators {
		stash := validators[i].Stash
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			uctx, cancel := context.WithTimeout(groupCtx, p.cfg.UpdateTimeout)
			defer cancel()
			events, err := p.differ.Update(uctx, stash)
			if err != nil {
				failed.Inc()
				p.logger.Warn("validator update failed", zap.String("stash", stash), zap.Error(err))
				return
			}
			if len(events) > 0 {
				changed.Inc()
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		p.logger.Warn("poll group encountered error", zap.Error(err))
	}
	p.logger.Debug("poll finished",
		zap.Int("validators", len(validators)),
		zap.Int32("changed", changed.Load()),
		zap.Int32("failed", failed.Load()),
		zap.Duration("took", time.Since(start)))
}
