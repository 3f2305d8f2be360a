// Package subscription maps chats to watched validators and holds per-chat
// notification preferences.
package subscription

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/stakestar/tvpbot/address"
	"github.com/stakestar/tvpbot/db"
	"github.com/stakestar/tvpbot/network"
)

const DefaultMaxValidatorsPerChat = 20

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrAmbiguousName  = errors.New("more than one validator carries this name")
	ErrNotWatched     = errors.New("validator is not watched by this chat")
	ErrInvalidPeriod  = errors.New("unsupported period")
	ErrUnknownToggle  = errors.New("unknown notification toggle")
)

// Fetcher produces a fresh snapshot for a stash that is not tracked yet.
type Fetcher interface {
	Fetch(ctx context.Context, stash string) (*db.Validator, error)
}

// PendingDropper discards a chat's queued block notifications.
type PendingDropper interface {
	DropChat(chatID int64) error
}

type Store interface {
	GetValidator(stash string) (*db.Validator, error)
	ListValidatorsByChat(chatID int64) ([]db.Validator, error)
	FindValidatorsByName(chatID int64, name string) ([]db.Validator, error)
	AddValidatorChat(fresh *db.Validator, chatID int64, limit int) (*db.Validator, error)
	RemoveValidatorChat(stash string, chatID int64) (bool, error)
	RemoveChatFromAll(chatID int64) error
	GetOrCreateChat(id int64) (*db.Chat, bool, error)
	UpdateChat(id int64, fn func(c *db.Chat) error) (*db.Chat, error)
	DeleteChat(id int64) error
	DeletePendingByChat(chatID int64) error
}

type Service struct {
	store      Store
	fetcher    Fetcher
	pending    PendingDropper
	address    *address.Validator
	network    network.Network
	maxPerChat int
	logger     *zap.Logger
}

func New(store Store, fetcher Fetcher, pending PendingDropper, net network.Network, maxPerChat int, logger *zap.Logger) *Service {
	if maxPerChat <= 0 {
		maxPerChat = DefaultMaxValidatorsPerChat
	}
	return &Service{
		store:      store,
		fetcher:    fetcher,
		pending:    pending,
		address:    address.NewValidator(net.SS58Prefix),
		network:    net,
		maxPerChat: maxPerChat,
		logger:     logger.With(zap.String("who", "subscription")),
	}
}

func (s *Service) MaxPerChat() int {
	return s.maxPerChat
}

// Normalize validates input as an address of the active network and returns
// its SS58 form.
func (s *Service) Normalize(input string) (string, error) {
	stash, ok := s.address.Normalize(input)
	if !ok {
		return "", ErrInvalidAddress
	}
	return stash, nil
}

// Add subscribes chatID to the validator at input. added is false when the
// chat already watched it. Untracked stashes are fetched first, so
// candidate.ErrNotCandidate surfaces here.
func (s *Service) Add(ctx context.Context, chatID int64, input string) (v *db.Validator, added bool, err error) {
	stash, err := s.Normalize(input)
	if err != nil {
		return nil, false, err
	}
	fresh, err := s.store.GetValidator(stash)
	switch {
	case errors.Is(err, db.ErrNotFound):
		fresh, err = s.fetcher.Fetch(ctx, stash)
		if err != nil {
			return nil, false, err
		}
	case err != nil:
		return nil, false, err
	case fresh.HasChat(chatID):
		return fresh, false, nil
	}
	v, err = s.store.AddValidatorChat(fresh, chatID, s.maxPerChat)
	if err != nil {
		return nil, false, err
	}
	s.logger.Info("validator added", zap.Int64("chat", chatID), zap.String("stash", stash))
	return v, true, nil
}

// Remove unsubscribes chatID from the validator named by input, which can be
// an address or a validator name.
func (s *Service) Remove(chatID int64, input string) (*db.Validator, error) {
	v, err := s.Resolve(chatID, input)
	if err != nil {
		return nil, err
	}
	deleted, err := s.store.RemoveValidatorChat(v.Stash, chatID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("validator removed", zap.Int64("chat", chatID),
		zap.String("stash", v.Stash), zap.Bool("deleted", deleted))
	return v, nil
}

func (s *Service) ByChat(chatID int64) ([]db.Validator, error) {
	return s.store.ListValidatorsByChat(chatID)
}

func (s *Service) ByStash(stash string) (*db.Validator, error) {
	return s.store.GetValidator(stash)
}

// FindByName looks a name up among the chat's validators.
func (s *Service) FindByName(chatID int64, name string) (*db.Validator, error) {
	found, err := s.store.FindValidatorsByName(chatID, name)
	if err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, ErrNotWatched
	case 1:
		return &found[0], nil
	default:
		return nil, ErrAmbiguousName
	}
}

// Resolve finds a validator watched by chatID from an address or a name.
func (s *Service) Resolve(chatID int64, input string) (*db.Validator, error) {
	if stash, ok := s.address.Normalize(input); ok {
		v, err := s.store.GetValidator(stash)
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotWatched
		}
		if err != nil {
			return nil, err
		}
		if !v.HasChat(chatID) {
			return nil, ErrNotWatched
		}
		return v, nil
	}
	return s.FindByName(chatID, input)
}

func (s *Service) Chat(chatID int64) (*db.Chat, bool, error) {
	return s.store.GetOrCreateChat(chatID)
}

// BlockPeriods lists the block periods a chat can choose, in menu order.
func (s *Service) BlockPeriods() []int {
	return []int{
		db.BlockPeriodOff,
		db.BlockPeriodImmediate,
		db.BlockPeriodHourly,
		s.network.HalfEraMinutes(),
		s.network.EraMinutes(),
	}
}

// PayoutPeriods lists the supported reminder intervals in eras, 0 being off.
func (s *Service) PayoutPeriods() []int {
	return []int{0, 1, 2, 4}
}

// SetBlockPeriod stores the period; switching it off discards queued blocks.
func (s *Service) SetBlockPeriod(chatID int64, minutes int) (*db.Chat, error) {
	if !contains(s.BlockPeriods(), minutes) {
		return nil, ErrInvalidPeriod
	}
	chat, err := s.store.UpdateChat(chatID, func(c *db.Chat) error {
		c.BlockPeriod = minutes
		return nil
	})
	if err != nil {
		return nil, err
	}
	if minutes == db.BlockPeriodOff {
		if err := s.pending.DropChat(chatID); err != nil {
			return nil, errors.Wrap(err, "could not drop pending notifications")
		}
	}
	return chat, nil
}

func (s *Service) SetPayoutPeriod(chatID int64, eras int) (*db.Chat, error) {
	if !contains(s.PayoutPeriods(), eras) {
		return nil, ErrInvalidPeriod
	}
	return s.store.UpdateChat(chatID, func(c *db.Chat) error {
		c.PayoutPeriod = eras
		return nil
	})
}

const (
	ToggleNominations = "nominations"
	ToggleChills      = "chills"
	ToggleOffline     = "offline"
)

// Toggle flips one of the event notification switches.
func (s *Service) Toggle(chatID int64, name string) (*db.Chat, error) {
	return s.store.UpdateChat(chatID, func(c *db.Chat) error {
		switch name {
		case ToggleNominations:
			c.NotifyNominations = !c.NotifyNominations
		case ToggleChills:
			c.NotifyChills = !c.NotifyChills
		case ToggleOffline:
			c.NotifyOffline = !c.NotifyOffline
		default:
			return ErrUnknownToggle
		}
		return nil
	})
}

func (s *Service) SetSettingsMessage(chatID int64, messageID int) error {
	_, err := s.store.UpdateChat(chatID, func(c *db.Chat) error {
		c.SettingsMessageID = messageID
		return nil
	})
	return err
}

// Forget removes every trace of a chat, used when the bot gets blocked.
func (s *Service) Forget(chatID int64) error {
	if err := s.store.RemoveChatFromAll(chatID); err != nil {
		return errors.Wrap(err, "could not unsubscribe chat")
	}
	if err := s.store.DeletePendingByChat(chatID); err != nil {
		return errors.Wrap(err, "could not delete pending notifications")
	}
	if err := s.store.DeleteChat(chatID); err != nil && !errors.Is(err, db.ErrNotFound) {
		return errors.Wrap(err, "could not delete chat")
	}
	s.logger.Info("chat forgotten", zap.Int64("chat", chatID))
	return nil
}

func contains(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
