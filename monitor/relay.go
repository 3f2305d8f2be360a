package monitor

import (
	"context"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/stakestar/tvpbot/chain"
	"github.com/stakestar/tvpbot/db"
	"github.com/stakestar/tvpbot/logger"
	"github.com/stakestar/tvpbot/metrics"
	"github.com/stakestar/tvpbot/network"
	"github.com/stakestar/tvpbot/notify"
)

// HistoryDepth is how many eras back unclaimed payouts are looked for.
const HistoryDepth = 84

type FactsSource interface {
	BlockFacts(ctx context.Context, number uint64) (*chain.BlockFacts, error)
	UnclaimedEras(ctx context.Context, stash string, current uint32, depth uint32) ([]uint32, error)
	RefreshMetadata(ctx context.Context) error
}

type BlockScheduler interface {
	OnBlockAuthored(ctx context.Context, v *db.Validator, block uint64)
	OnEraChange(ctx context.Context)
}

// Sweeper backfills reward records; it must return immediately when a sweep
// is already running.
type Sweeper interface {
	Sweep(ctx context.Context)
}

type RelayStore interface {
	GetValidator(stash string) (*db.Validator, error)
	ListValidators() ([]db.Validator, error)
	GetChat(id int64) (*db.Chat, error)
	SaveLastEra(era uint64) (bool, error)
}

// Relay consumes observer events on a single goroutine and routes them to
// the scheduler and to chats.
type Relay struct {
	store     RelayStore
	facts     FactsSource
	scheduler BlockScheduler
	sweeper   Sweeper
	sender    notify.Sender
	network   network.Network
	logger    *zap.Logger

	// reminding guards the payout reminder run, which may outlive an era
	// change on slow nodes.
	reminding atomic.Bool
	wg        sync.WaitGroup
}

func NewRelay(store RelayStore, facts FactsSource, scheduler BlockScheduler, sweeper Sweeper,
	sender notify.Sender, net network.Network, l *zap.Logger) *Relay {
	return &Relay{
		store:     store,
		facts:     facts,
		scheduler: scheduler,
		sweeper:   sweeper,
		sender:    sender,
		network:   net,
		logger:    logger.Component(l, "relay"),
	}
}

// Run blocks until events is closed or ctx is done. A panicking event is
// logged and skipped.
func (r *Relay) Run(ctx context.Context, events <-chan chain.Event) {
	defer r.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Relay) handle(ctx context.Context, ev chain.Event) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("recovered from panic while handling chain event",
				zap.Any("panic", p), zap.Stack("stack"))
		}
	}()
	switch {
	case ev.Block != nil:
		r.HandleBlock(ctx, ev.Block.Head)
	case ev.Era != nil:
		r.HandleEra(ctx, ev.Era.Era)
	}
}

// Wait blocks until background payout reminders are done.
func (r *Relay) Wait() {
	r.wg.Wait()
}

func (r *Relay) HandleBlock(ctx context.Context, head chain.Head) {
	metrics.FinalizedBlock.Set(float64(head.Number))

	if head.Author != "" {
		if v, err := r.store.GetValidator(head.Author); err == nil {
			r.scheduler.OnBlockAuthored(ctx, v, head.Number)
		}
	}

	facts, err := r.facts.BlockFacts(ctx, head.Number)
	if err != nil {
		r.logger.Warn("could not read block facts", zap.Uint64("block", head.Number), zap.Error(err))
		return
	}
	if len(facts.Nominations) == 0 && len(facts.Chills) == 0 && facts.Offline == nil {
		return
	}
	validators, err := r.store.ListValidators()
	if err != nil {
		r.logger.Warn("could not list validators", zap.Error(err))
		return
	}
	byStash := make(map[string]*db.Validator, len(validators))
	byController := make(map[string]*db.Validator, len(validators))
	for i := range validators {
		v := &validators[i]
		byStash[v.Stash] = v
		if v.Controller != "" {
			byController[v.Controller] = v
		}
	}

	for _, n := range facts.Nominations {
		seen := map[string]bool{}
		for _, target := range n.Targets {
			v, ok := byStash[target]
			if !ok || seen[target] {
				continue
			}
			seen[target] = true
			msg := notify.NominationMessage(v.DisplayName(), n.Nominator, r.network.FormatAmount(n.Amount))
			r.fanOut(ctx, v, "nomination", msg, func(c *db.Chat) bool { return c.NotifyNominations })
		}
	}
	for _, c := range facts.Chills {
		v, ok := byController[c.Controller]
		if !ok {
			v, ok = byStash[c.Controller]
		}
		if !ok {
			continue
		}
		r.fanOut(ctx, v, "chill", notify.ChillMessage(v.DisplayName()),
			func(c *db.Chat) bool { return c.NotifyChills })
	}
	if facts.Offline != nil {
		for _, offender := range facts.Offline.Offenders {
			v, ok := byStash[offender]
			if !ok {
				continue
			}
			r.fanOut(ctx, v, "offline", notify.OfflineReportMessage(v.DisplayName(), head.Number),
				func(c *db.Chat) bool { return c.NotifyOffline })
		}
	}
}

func (r *Relay) fanOut(ctx context.Context, v *db.Validator, kind, msg string, wants func(*db.Chat) bool) {
	for _, chatID := range v.ChatIDs {
		chat, err := r.store.GetChat(chatID)
		if err != nil || !wants(chat) {
			continue
		}
		err = r.sender.Send(ctx, chatID, msg)
		metrics.MessagesSent.WithLabelValues(kind, metrics.Result(err)).Inc()
		if err != nil {
			r.logger.Warn("could not send notification", zap.String("kind", kind),
				zap.Int64("chat", chatID), zap.Error(err))
		}
	}
}

// HandleEra runs the era-change duties: persist the era, flush the era-end
// cohort, remind about unclaimed payouts and start a reward sweep.
func (r *Relay) HandleEra(ctx context.Context, era uint32) {
	r.logger.Info("era changed", zap.Uint32("era", era))
	metrics.ActiveEra.Set(float64(era))
	if _, err := r.store.SaveLastEra(uint64(era)); err != nil {
		r.logger.Error("could not save era", zap.Error(err))
	}
	if err := r.facts.RefreshMetadata(ctx); err != nil {
		r.logger.Warn("could not refresh metadata", zap.Error(err))
	}

	r.scheduler.OnEraChange(ctx)

	// unclaimed era lookups are many reads per validator, keep them off the
	// event loop
	if r.reminding.CompareAndSwap(false, true) {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.reminding.Store(false)
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("recovered from panic in payout reminders", zap.Any("panic", p))
				}
			}()
			r.remindPayouts(ctx, era)
		}()
	} else {
		r.logger.Warn("previous payout reminders still running, skipping", zap.Uint32("era", era))
	}

	if r.sweeper != nil {
		go r.sweeper.Sweep(ctx)
	}
}

func (r *Relay) remindPayouts(ctx context.Context, era uint32) {
	validators, err := r.store.ListValidators()
	if err != nil {
		r.logger.Warn("could not list validators", zap.Error(err))
		return
	}
	for i := range validators {
		v := &validators[i]
		var due []int64
		for _, chatID := range v.ChatIDs {
			chat, err := r.store.GetChat(chatID)
			if err != nil || chat.PayoutPeriod <= 0 || era%uint32(chat.PayoutPeriod) != 0 {
				continue
			}
			due = append(due, chatID)
		}
		if len(due) == 0 {
			continue
		}
		eras, err := r.facts.UnclaimedEras(ctx, v.Stash, era, HistoryDepth)
		if err != nil {
			r.logger.Warn("could not read unclaimed eras", zap.String("stash", v.Stash), zap.Error(err))
			continue
		}
		if len(eras) == 0 {
			continue
		}
		msg := notify.UnclaimedPayoutMessage(v.DisplayName(), eras)
		for _, chatID := range due {
			err := r.sender.Send(ctx, chatID, msg)
			metrics.MessagesSent.WithLabelValues("payout", metrics.Result(err)).Inc()
			if err != nil {
				r.logger.Warn("could not send payout reminder", zap.Int64("chat", chatID), zap.Error(err))
			}
		}
	}
}
