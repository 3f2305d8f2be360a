package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/stakestar/tvpbot/db"
	"github.com/stakestar/tvpbot/logger"
	"github.com/stakestar/tvpbot/metrics"
	"github.com/stakestar/tvpbot/network"
)

// Store is the slice of persistence the scheduler needs.
type Store interface {
	GetChat(id int64) (*db.Chat, error)
	ListChats() ([]db.Chat, error)
	GetValidator(stash string) (*db.Validator, error)
	AppendPendingBlock(chatID int64, stash string, block uint64) error
	GetPending(chatID int64, stash string) (*db.Pending, error)
	ListPending() ([]db.Pending, error)
	ListPendingByChat(chatID int64) ([]db.Pending, error)
	RemovePendingBlocks(chatID int64, stash string, sent []uint64) error
	DeletePendingByChat(chatID int64) error
}

// Scheduler routes block authorship either straight to a chat or into the
// chat's pending record, and flushes pending records per period cohort.
type Scheduler struct {
	store   Store
	sender  Sender
	network network.Network
	logger  *zap.Logger

	cron *cron.Cron

	// inFlight holds the chat|stash records being sent. It is only locked
	// around map access, never across a send.
	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewScheduler(store Store, sender Sender, net network.Network, l *zap.Logger) *Scheduler {
	l = logger.Component(l, "scheduler")
	return &Scheduler{
		store:    store,
		sender:   sender,
		network:  net,
		logger:   l,
		cron:     cron.New(cron.WithChain(cron.Recover(logger.Cron(l)))),
		inFlight: make(map[string]struct{}),
	}
}

// Start registers the hourly and half-era cohorts. The era-end cohort is
// flushed by OnEraChange.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc("@every 1h", func() {
		s.flushCohort(ctx, db.BlockPeriodHourly, "hourly")
	}); err != nil {
		return errors.Wrap(err, "could not schedule hourly cohort")
	}
	half := s.network.HalfEraMinutes()
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %dm", half), func() {
		s.flushCohort(ctx, half, "half_era")
	}); err != nil {
		return errors.Wrap(err, "could not schedule half-era cohort")
	}
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("half_era_minutes", half))
	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// OnEraChange flushes the era-end cohort.
func (s *Scheduler) OnEraChange(ctx context.Context) {
	s.flushCohort(ctx, s.network.EraMinutes(), "era_end")
}

// OnBlockAuthored announces or queues block for every chat watching v.
func (s *Scheduler) OnBlockAuthored(ctx context.Context, v *db.Validator, block uint64) {
	for _, chatID := range v.ChatIDs {
		chat, err := s.store.GetChat(chatID)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Warn("could not load chat", zap.Int64("chat", chatID), zap.Error(err))
			continue
		}
		switch chat.BlockPeriod {
		case db.BlockPeriodOff:
		case db.BlockPeriodImmediate:
			err := s.sender.Send(ctx, chatID, BlocksMessage(v.DisplayName(), []uint64{block}))
			metrics.MessagesSent.WithLabelValues("block", metrics.Result(err)).Inc()
			if err != nil {
				s.logger.Warn("could not send block notification",
					zap.Int64("chat", chatID), zap.String("stash", v.Stash), zap.Error(err))
			}
		default:
			err := s.store.AppendPendingBlock(chatID, v.Stash, block)
			if errors.Is(err, db.ErrNotBatching) {
				// period changed since the chat was read
				continue
			}
			if err != nil {
				s.logger.Error("could not queue block", zap.Int64("chat", chatID),
					zap.String("stash", v.Stash), zap.Uint64("block", block), zap.Error(err))
			}
		}
	}
}

// FlushCohort sends every pending record whose chat uses the given period.
func (s *Scheduler) FlushCohort(ctx context.Context, period int) {
	s.flushCohort(ctx, period, fmt.Sprintf("%dm", period))
}

func (s *Scheduler) flushCohort(ctx context.Context, period int, trigger string) {
	pending, err := s.store.ListPending()
	if err != nil {
		s.logger.Error("could not list pending notifications", zap.Error(err))
		return
	}
	chats := make(map[int64]*db.Chat)
	for i := range pending {
		p := &pending[i]
		chat, ok := chats[p.ChatID]
		if !ok {
			chat, err = s.store.GetChat(p.ChatID)
			if errors.Is(err, db.ErrNotFound) {
				chat = nil
			} else if err != nil {
				s.logger.Warn("could not load chat", zap.Int64("chat", p.ChatID), zap.Error(err))
				continue
			}
			chats[p.ChatID] = chat
		}
		if chat == nil {
			// the chat is gone, nothing can be delivered
			if err := s.store.RemovePendingBlocks(p.ChatID, p.Stash, p.Blocks); err != nil {
				s.logger.Warn("could not drop dangling pending record", zap.Int64("chat", p.ChatID), zap.Error(err))
			}
			continue
		}
		if chat.BlockPeriod != period {
			continue
		}
		s.flushOne(ctx, p)
	}
	metrics.PendingFlushes.WithLabelValues(trigger).Inc()
}

// FlushChat sends every pending record of one chat regardless of its period.
func (s *Scheduler) FlushChat(ctx context.Context, chatID int64) {
	pending, err := s.store.ListPendingByChat(chatID)
	if err != nil {
		s.logger.Error("could not list pending notifications", zap.Int64("chat", chatID), zap.Error(err))
		return
	}
	for i := range pending {
		s.flushOne(ctx, &pending[i])
	}
	metrics.PendingFlushes.WithLabelValues("forced").Inc()
}

// FlushValidator force-flushes every chat watching v.
func (s *Scheduler) FlushValidator(ctx context.Context, v *db.Validator) {
	for _, chatID := range v.ChatIDs {
		s.FlushChat(ctx, chatID)
	}
}

// DropChat discards everything queued for a chat, used when its period is
// switched off.
func (s *Scheduler) DropChat(chatID int64) error {
	return s.store.DeletePendingByChat(chatID)
}

// claim marks a pending record as being sent. It fails when another flush
// already holds it.
func (s *Scheduler) claim(chatID int64, stash string) (release func(), ok bool) {
	key := fmt.Sprintf("%d|%s", chatID, stash)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[key]; busy {
		return nil, false
	}
	s.inFlight[key] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.inFlight, key)
		s.mu.Unlock()
	}, true
}

// flushOne removes only the blocks it sent, so blocks appended while the
// message was in flight stay queued. A record another flush is sending is
// skipped.
func (s *Scheduler) flushOne(ctx context.Context, p *db.Pending) {
	if len(p.Blocks) == 0 {
		return
	}
	release, ok := s.claim(p.ChatID, p.Stash)
	if !ok {
		return
	}
	defer release()

	// re-read under the claim: a concurrent flush may have sent part of it
	current, err := s.store.GetPending(p.ChatID, p.Stash)
	if errors.Is(err, db.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("could not load pending record", zap.Int64("chat", p.ChatID), zap.Error(err))
		return
	}
	p = current
	name := p.Stash
	if v, err := s.store.GetValidator(p.Stash); err == nil {
		name = v.DisplayName()
	}
	err = s.sender.Send(ctx, p.ChatID, BlocksMessage(name, p.Blocks))
	metrics.MessagesSent.WithLabelValues("blocks", metrics.Result(err)).Inc()
	if err != nil {
		s.logger.Warn("could not send batched blocks, keeping them queued",
			zap.Int64("chat", p.ChatID), zap.String("stash", p.Stash), zap.Error(err))
		return
	}
	if err := s.store.RemovePendingBlocks(p.ChatID, p.Stash, p.Blocks); err != nil {
		s.logger.Error("could not remove sent blocks", zap.Int64("chat", p.ChatID),
			zap.String("stash", p.Stash), zap.Error(err))
	}
}
