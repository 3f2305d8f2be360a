// Package bot implements the per-chat conversation state machine behind the
// chat commands.
package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/stakestar/tvpbot/candidate"
	"github.com/stakestar/tvpbot/chain"
	"github.com/stakestar/tvpbot/db"
	"github.com/stakestar/tvpbot/logger"
	"github.com/stakestar/tvpbot/metrics"
	"github.com/stakestar/tvpbot/network"
	"github.com/stakestar/tvpbot/rewards"
	"github.com/stakestar/tvpbot/subscription"
)

const (
	callbackSelect       = "sel:"
	callbackBlockPeriod  = "bp:"
	callbackPayoutPeriod = "pp:"
	callbackToggle       = "tg:"

	latestRewards = 5
)

var ErrTransition = errors.New("transition not allowed")

// transitions lists, per state, the states a chat may move to.
var transitions = map[db.ChatState][]db.ChatState{
	db.StateIdle: {
		db.StateAdd,
		db.StateRemove,
		db.StateValidatorInfo,
		db.StateStakingInfoLoading,
		db.StateStakingInfoSelectValidator,
		db.StateRewardsEnterAddress,
	},
	db.StateAdd:                        {db.StateIdle},
	db.StateRemove:                     {db.StateIdle},
	db.StateValidatorInfo:              {db.StateIdle},
	db.StateStakingInfoSelectValidator: {db.StateIdle, db.StateStakingInfoLoading},
	db.StateStakingInfoLoading:         {db.StateIdle},
	db.StateRewardsEnterAddress:        {db.StateIdle},
}

func allowed(from, to db.ChatState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type ChatStore interface {
	GetOrCreateChat(id int64) (*db.Chat, bool, error)
	SetChatState(id int64, state db.ChatState) error
}

type StakingReader interface {
	StakingInfo(ctx context.Context, stash string) (*chain.StakingInfo, error)
}

type Config struct {
	Name           string        `yaml:"name" env:"BOT_NAME" env-description:"Bot username, used to strip /command@name suffixes"`
	StakingTimeout time.Duration `yaml:"stakingTimeout" env:"BOT_STAKING_TIMEOUT" env-default:"30s"`
}

type Dispatcher struct {
	store   ChatStore
	subs    *subscription.Service
	staking StakingReader
	rewards rewards.Lister
	msgr    Messenger
	network network.Network
	cfg     Config
	logger  *zap.Logger

	wg sync.WaitGroup
}

func NewDispatcher(store ChatStore, subs *subscription.Service, staking StakingReader, rewardStore rewards.Lister,
	msgr Messenger, net network.Network, cfg Config, l *zap.Logger) *Dispatcher {
	if cfg.StakingTimeout <= 0 {
		cfg.StakingTimeout = 30 * time.Second
	}
	cfg.Name = strings.TrimPrefix(strings.ToLower(cfg.Name), "@")
	return &Dispatcher{
		store:   store,
		subs:    subs,
		staking: staking,
		rewards: rewardStore,
		msgr:    msgr,
		network: net,
		cfg:     cfg,
		logger:  logger.Component(l, "dispatcher"),
	}
}

// Wait blocks until background staking lookups are done.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Handle processes one inbound update. Errors are reported to the chat or
// logged; nothing is returned so the update loop always moves on.
func (d *Dispatcher) Handle(ctx context.Context, u Update) {
	log := d.logger.With(zap.Int64("chat", u.ChatID))

	chat, created, err := d.store.GetOrCreateChat(u.ChatID)
	if err != nil {
		log.Error("could not load chat", zap.Error(err))
		return
	}
	if created {
		log.Info("new chat")
	}
	state, err := db.ParseChatState(chat.State)
	if err != nil {
		log.Error("dropping update for chat in unknown state", zap.String("state", chat.State), zap.Error(err))
		return
	}

	if u.Callback != nil {
		metrics.InboundUpdates.WithLabelValues("callback").Inc()
		d.handleCallback(ctx, chat, state, u.Callback)
		return
	}
	metrics.InboundUpdates.WithLabelValues("message").Inc()

	text := strings.TrimSpace(u.Text)
	if text == "" {
		return
	}
	cmd, ours := d.command(text)
	if !ours {
		return
	}

	switch state {
	case db.StateIdle:
		d.handleIdle(ctx, chat, u.Private, cmd)
	case db.StateStakingInfoLoading:
		if cmd == "/cancel" {
			d.finish(ctx, chat.ID, state, "Cancelled.")
			return
		}
		d.reply(ctx, chat.ID, "⏳ Still loading staking info, please wait.")
	default:
		if cmd == "/cancel" {
			d.finish(ctx, chat.ID, state, "Cancelled.")
			return
		}
		d.handleFollowUp(ctx, chat, state, text)
	}
}

// command returns the lower-cased command of text without its @bot suffix.
// ours is false for commands addressed to another bot.
func (d *Dispatcher) command(text string) (cmd string, ours bool) {
	if !strings.HasPrefix(text, "/") {
		return "", true
	}
	cmd = strings.ToLower(strings.Fields(text)[0])
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		target := cmd[i+1:]
		cmd = cmd[:i]
		if d.cfg.Name != "" && target != d.cfg.Name {
			return "", false
		}
	}
	return cmd, true
}

func (d *Dispatcher) handleIdle(ctx context.Context, chat *db.Chat, private bool, cmd string) {
	switch cmd {
	case "/start":
		d.reply(ctx, chat.ID, welcomeText(d.network)+"\n\n"+helpText)
	case "/help":
		d.reply(ctx, chat.ID, helpText)
	case "/about":
		d.reply(ctx, chat.ID, aboutText(d.network))
	case "/settings":
		d.sendSettings(ctx, chat)
	case "/add":
		validators, err := d.subs.ByChat(chat.ID)
		if err != nil {
			d.fail(ctx, chat.ID, err)
			return
		}
		if len(validators) >= d.subs.MaxPerChat() {
			d.reply(ctx, chat.ID, d.describe(db.ErrChatFull))
			return
		}
		d.prompt(ctx, chat.ID, db.StateAdd, "Send me the stash address of the validator to watch.", nil)
	case "/remove":
		d.promptSelection(ctx, chat, db.StateRemove, "Which validator should I stop watching? Send its name or address.", nil)
	case "/validatorinfo":
		d.promptSelection(ctx, chat, db.StateValidatorInfo, "Which validator? Send its name or address.",
			func(v *db.Validator) { d.reply(ctx, chat.ID, renderValidator(v)) })
	case "/stakinginfo":
		d.promptSelection(ctx, chat, db.StateStakingInfoSelectValidator, "Which validator? Send its name or address.",
			func(v *db.Validator) { d.startStakingInfo(ctx, chat.ID, db.StateIdle, v) })
	case "/rewards":
		d.prompt(ctx, chat.ID, db.StateRewardsEnterAddress, "Send me the stash address to show rewards for.", nil)
	default:
		// groups see plenty of chatter that is not meant for the bot
		if private {
			d.reply(ctx, chat.ID, "Sorry, I don't understand that. Send /help to see what I can do.")
		}
	}
}

// promptSelection asks the chat to pick one of its validators. With a
// single validator and a non-nil single callback the prompt is skipped.
func (d *Dispatcher) promptSelection(ctx context.Context, chat *db.Chat, next db.ChatState, text string, single func(v *db.Validator)) {
	validators, err := d.subs.ByChat(chat.ID)
	if err != nil {
		d.fail(ctx, chat.ID, err)
		return
	}
	if len(validators) == 0 {
		d.reply(ctx, chat.ID, "You are not watching any validators yet. Use /add first.")
		return
	}
	if len(validators) == 1 && single != nil {
		single(&validators[0])
		return
	}
	d.prompt(ctx, chat.ID, next, text, validatorKeyboard(validators))
}

func (d *Dispatcher) prompt(ctx context.Context, chatID int64, next db.ChatState, text string, kb Keyboard) {
	if err := d.transition(chatID, db.StateIdle, next); err != nil {
		d.fail(ctx, chatID, err)
		return
	}
	if kb == nil {
		d.reply(ctx, chatID, text)
		return
	}
	if _, err := d.msgr.SendKeyboard(ctx, chatID, text, kb); err != nil {
		d.logger.Warn("could not send keyboard", zap.Int64("chat", chatID), zap.Error(err))
	}
}

func (d *Dispatcher) handleFollowUp(ctx context.Context, chat *db.Chat, state db.ChatState, input string) {
	switch state {
	case db.StateAdd:
		v, added, err := d.subs.Add(ctx, chat.ID, input)
		switch {
		case err != nil:
			d.finish(ctx, chat.ID, state, d.describe(err))
		case !added:
			d.finish(ctx, chat.ID, state, fmt.Sprintf("You are already watching <b>%s</b>.", escape(v.DisplayName())))
		default:
			d.finish(ctx, chat.ID, state, fmt.Sprintf("👀 Now watching <b>%s</b>.", escape(v.DisplayName())))
		}
	case db.StateRemove:
		v, err := d.subs.Remove(chat.ID, input)
		if err != nil {
			d.finish(ctx, chat.ID, state, d.describe(err))
			return
		}
		d.finish(ctx, chat.ID, state, fmt.Sprintf("Stopped watching <b>%s</b>.", escape(v.DisplayName())))
	case db.StateValidatorInfo:
		v, err := d.subs.Resolve(chat.ID, input)
		if err != nil {
			d.finish(ctx, chat.ID, state, d.describe(err))
			return
		}
		d.finish(ctx, chat.ID, state, renderValidator(v))
	case db.StateStakingInfoSelectValidator:
		v, err := d.subs.Resolve(chat.ID, input)
		if err != nil {
			d.finish(ctx, chat.ID, state, d.describe(err))
			return
		}
		d.startStakingInfo(ctx, chat.ID, state, v)
	case db.StateRewardsEnterAddress:
		stash, err := d.subs.Normalize(input)
		if err != nil {
			d.finish(ctx, chat.ID, state, d.describe(err))
			return
		}
		sum, err := rewards.Summarize(d.rewards, stash, latestRewards)
		if err != nil {
			d.logger.Error("could not summarize rewards", zap.String("stash", stash), zap.Error(err))
			d.finish(ctx, chat.ID, state, d.describe(err))
			return
		}
		d.finish(ctx, chat.ID, state, renderRewards(sum, d.network))
	}
}

// startStakingInfo moves the chat into the loading state and computes the
// staking info in the background.
func (d *Dispatcher) startStakingInfo(ctx context.Context, chatID int64, from db.ChatState, v *db.Validator) {
	if err := d.transition(chatID, from, db.StateStakingInfoLoading); err != nil {
		d.fail(ctx, chatID, err)
		return
	}
	d.reply(ctx, chatID, fmt.Sprintf("⏳ Loading staking info of <b>%s</b>…", escape(v.DisplayName())))

	stash, name := v.Stash, v.DisplayName()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		sctx, cancel := context.WithTimeout(ctx, d.cfg.StakingTimeout)
		defer cancel()
		info, err := d.staking.StakingInfo(sctx, stash)
		if err != nil {
			d.logger.Warn("could not load staking info", zap.String("stash", stash), zap.Error(err))
			d.finish(ctx, chatID, db.StateStakingInfoLoading, d.describe(err))
			return
		}
		d.finish(ctx, chatID, db.StateStakingInfoLoading, renderStaking(name, info, d.network))
	}()
}

// finish returns the chat to IDLE and sends text.
func (d *Dispatcher) finish(ctx context.Context, chatID int64, from db.ChatState, text string) {
	if err := d.transition(chatID, from, db.StateIdle); err != nil {
		d.logger.Error("could not reset chat state", zap.Int64("chat", chatID), zap.Error(err))
	}
	d.reply(ctx, chatID, text)
}

func (d *Dispatcher) transition(chatID int64, from, to db.ChatState) error {
	if !allowed(from, to) {
		return errors.Wrapf(ErrTransition, "%s -> %s", from, to)
	}
	return d.store.SetChatState(chatID, to)
}

func (d *Dispatcher) handleCallback(ctx context.Context, chat *db.Chat, state db.ChatState, cb *Callback) {
	answer := ""
	defer func() {
		if err := d.msgr.AnswerCallback(ctx, cb.ID, answer); err != nil {
			d.logger.Debug("could not answer callback", zap.Error(err))
		}
	}()

	switch {
	case strings.HasPrefix(cb.Data, callbackSelect):
		switch state {
		case db.StateRemove, db.StateValidatorInfo, db.StateStakingInfoSelectValidator:
			d.handleFollowUp(ctx, chat, state, strings.TrimPrefix(cb.Data, callbackSelect))
		default:
			answer = "This menu is no longer active."
		}
		return
	case strings.HasPrefix(cb.Data, callbackBlockPeriod):
		minutes, err := strconv.Atoi(strings.TrimPrefix(cb.Data, callbackBlockPeriod))
		if err != nil {
			answer = "Unsupported option."
			return
		}
		updated, err := d.subs.SetBlockPeriod(chat.ID, minutes)
		answer = d.applySettings(ctx, updated, cb.MessageID, err)
	case strings.HasPrefix(cb.Data, callbackPayoutPeriod):
		eras, err := strconv.Atoi(strings.TrimPrefix(cb.Data, callbackPayoutPeriod))
		if err != nil {
			answer = "Unsupported option."
			return
		}
		updated, err := d.subs.SetPayoutPeriod(chat.ID, eras)
		answer = d.applySettings(ctx, updated, cb.MessageID, err)
	case strings.HasPrefix(cb.Data, callbackToggle):
		updated, err := d.subs.Toggle(chat.ID, strings.TrimPrefix(cb.Data, callbackToggle))
		answer = d.applySettings(ctx, updated, cb.MessageID, err)
	default:
		d.logger.Warn("unknown callback", zap.Int64("chat", chat.ID), zap.String("data", cb.Data))
		answer = "Unsupported option."
	}
}

func (d *Dispatcher) applySettings(ctx context.Context, chat *db.Chat, messageID int, err error) string {
	if errors.Is(err, subscription.ErrInvalidPeriod) || errors.Is(err, subscription.ErrUnknownToggle) {
		return "Unsupported option."
	}
	if err != nil {
		d.logger.Error("could not update settings", zap.Error(err))
		return "Could not save the setting, please try again."
	}
	text, kb := d.renderSettings(chat)
	if err := d.msgr.Edit(ctx, chat.ID, messageID, text, kb); err != nil {
		d.logger.Debug("could not edit settings message", zap.Int64("chat", chat.ID), zap.Error(err))
	}
	return "Saved."
}

func (d *Dispatcher) sendSettings(ctx context.Context, chat *db.Chat) {
	if chat.SettingsMessageID != 0 {
		// only one live settings menu per chat
		_ = d.msgr.Delete(ctx, chat.ID, chat.SettingsMessageID)
	}
	text, kb := d.renderSettings(chat)
	id, err := d.msgr.SendKeyboard(ctx, chat.ID, text, kb)
	if err != nil {
		d.logger.Warn("could not send settings", zap.Int64("chat", chat.ID), zap.Error(err))
		return
	}
	if err := d.subs.SetSettingsMessage(chat.ID, id); err != nil {
		d.logger.Warn("could not store settings message id", zap.Int64("chat", chat.ID), zap.Error(err))
	}
}

func (d *Dispatcher) reply(ctx context.Context, chatID int64, text string) {
	err := d.msgr.Send(ctx, chatID, text)
	metrics.MessagesSent.WithLabelValues("reply", metrics.Result(err)).Inc()
	if err != nil {
		d.logger.Warn("could not reply", zap.Int64("chat", chatID), zap.Error(err))
	}
}

func (d *Dispatcher) fail(ctx context.Context, chatID int64, err error) {
	d.logger.Error("command failed", zap.Int64("chat", chatID), zap.Error(err))
	d.reply(ctx, chatID, d.describe(err))
}

func (d *Dispatcher) describe(err error) string {
	switch {
	case errors.Is(err, subscription.ErrInvalidAddress):
		return fmt.Sprintf("❗️ That is not a valid %s address.", d.network.Name)
	case errors.Is(err, subscription.ErrNotWatched):
		return "❗️ You are not watching that validator."
	case errors.Is(err, subscription.ErrAmbiguousName):
		return "❗️ Several of your validators carry that name, please send the stash address instead."
	case errors.Is(err, db.ErrChatFull):
		return fmt.Sprintf("❗️ You are already watching the maximum of %d validators.", d.subs.MaxPerChat())
	case errors.Is(err, candidate.ErrNotCandidate):
		return "❗️ That stash is not a Thousand Validators Programme candidate."
	default:
		return "❗️ Something went wrong, please try again later."
	}
}
