// Package monitor polls watched validators, diffs them against their stored
// snapshot and relays chain events to subscribed chats.
package monitor

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/stakestar/tvpbot/candidate"
	"github.com/stakestar/tvpbot/db"
	"github.com/stakestar/tvpbot/logger"
	"github.com/stakestar/tvpbot/metrics"
	"github.com/stakestar/tvpbot/network"
	"github.com/stakestar/tvpbot/notify"
)

type SnapshotFetcher interface {
	Fetch(ctx context.Context, stash string) (*db.Validator, error)
}

// Flusher force-sends pending block notifications of every chat watching v.
type Flusher interface {
	FlushValidator(ctx context.Context, v *db.Validator)
}

type Store interface {
	GetValidator(stash string) (*db.Validator, error)
	UpdateValidator(stash string, fn func(v *db.Validator) error) (*db.Validator, error)
	HasRankHistory(stash string) (bool, error)
	AppendRank(entry db.RankEntry) error
	GetChat(id int64) (*db.Chat, error)
}

type Differ struct {
	store    Store
	fetcher  SnapshotFetcher
	chain    ChainReader
	flusher  Flusher
	sender   notify.Sender
	policies Policies
	network  network.Network
	logger   *zap.Logger
	now      func() time.Time
}

func NewDiffer(store Store, fetcher SnapshotFetcher, chain ChainReader, flusher Flusher, sender notify.Sender,
	policies Policies, net network.Network, l *zap.Logger) *Differ {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Differ{
		store:    store,
		fetcher:  fetcher,
		chain:    chain,
		flusher:  flusher,
		sender:   sender,
		policies: policies,
		network:  net,
		logger:   logger.Component(l, "differ"),
		now:      time.Now,
	}
}

// Update refreshes one validator: fetch, compare, persist, flush, notify.
// It returns the events that were sent. A stash that is no longer a
// candidate, or a failing source, leaves the stored snapshot untouched.
func (d *Differ) Update(ctx context.Context, stash string) ([]notify.Event, error) {
	log := d.logger.With(zap.String("stash", stash))

	cur, err := d.fetcher.Fetch(ctx, stash)
	if errors.Is(err, candidate.ErrNotCandidate) {
		log.Debug("not a candidate, skipping")
		metrics.ValidatorUpdates.WithLabelValues("skipped").Inc()
		return nil, nil
	}
	if err != nil {
		metrics.ValidatorUpdates.WithLabelValues("failed").Inc()
		return nil, errors.Wrap(err, "could not fetch validator")
	}

	old, err := d.store.GetValidator(stash)
	if errors.Is(err, db.ErrNotFound) {
		// unsubscribed while the fetch was in flight
		return nil, nil
	}
	if err != nil {
		metrics.ValidatorUpdates.WithLabelValues("failed").Inc()
		return nil, err
	}

	// the stake lookup is a network call, so it happens before the write
	// transaction is opened
	preview := compare(old, cur, d.policies)
	var stake string
	if preview.EnteredActive && d.policies.Enabled(PolicyActive) {
		stake = d.eraStake(ctx)
	}

	var diff Diff
	saved, err := d.store.UpdateValidator(stash, func(v *db.Validator) error {
		diff = compare(v, cur, d.policies)
		if diff.Changed {
			apply(v, cur)
		}
		v.UpdatedAt = d.now()
		return nil
	})
	if err != nil {
		metrics.ValidatorUpdates.WithLabelValues("failed").Inc()
		return nil, errors.Wrap(err, "could not persist validator")
	}

	if err := d.recordRank(saved, diff.RankChanged); err != nil {
		log.Warn("could not record rank history", zap.Error(err))
	}

	if !diff.Changed {
		metrics.ValidatorUpdates.WithLabelValues("unchanged").Inc()
		return nil, nil
	}
	metrics.ValidatorUpdates.WithLabelValues("changed").Inc()

	if diff.Flush {
		d.flusher.FlushValidator(ctx, saved)
	}
	if len(diff.Events) == 0 {
		return nil, nil
	}
	for i := range diff.Events {
		if diff.Events[i].Kind == notify.KindEnteredActive && stake != "" {
			diff.Events[i].Text += " (era total stake " + stake + ")"
		}
		metrics.ValidatorEvents.WithLabelValues(string(diff.Events[i].Kind)).Inc()
	}

	msg := notify.ValidatorMessage(saved.DisplayName(), diff.Events)
	for _, chatID := range saved.ChatIDs {
		if _, err := d.store.GetChat(chatID); err != nil {
			if !errors.Is(err, db.ErrNotFound) {
				log.Warn("could not load chat", zap.Int64("chat", chatID), zap.Error(err))
			}
			continue
		}
		err := d.sender.Send(ctx, chatID, msg)
		metrics.MessagesSent.WithLabelValues("validator", metrics.Result(err)).Inc()
		if err != nil {
			log.Warn("could not send change notification", zap.Int64("chat", chatID), zap.Error(err))
		}
	}
	log.Info("validator changed", zap.Int("events", len(diff.Events)))
	return diff.Events, nil
}

// recordRank appends a history entry on change and seeds the first one.
func (d *Differ) recordRank(v *db.Validator, changed bool) error {
	if !changed {
		has, err := d.store.HasRankHistory(v.Stash)
		if err != nil || has {
			return err
		}
	}
	return d.store.AppendRank(db.RankEntry{Stash: v.Stash, Rank: v.Rank, Timestamp: d.now().UnixMilli()})
}

func (d *Differ) eraStake(ctx context.Context) string {
	era, err := d.chain.ActiveEra(ctx)
	if err != nil {
		d.logger.Warn("could not read active era", zap.Error(err))
		return ""
	}
	total, err := d.chain.EraTotalStake(ctx, era)
	if err != nil {
		d.logger.Warn("could not read era total stake", zap.Uint32("era", era), zap.Error(err))
		return ""
	}
	return d.network.FormatAmount(total)
}
