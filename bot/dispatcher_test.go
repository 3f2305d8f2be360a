package bot

import (
	"bytes"
	"context"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stakestar/tvpbot/address"
	"github.com/stakestar/tvpbot/candidate"
	"github.com/stakestar/tvpbot/chain"
	"github.com/stakestar/tvpbot/db"
	"github.com/stakestar/tvpbot/network"
	"github.com/stakestar/tvpbot/subscription"
)

type outMessage struct {
	chatID    int64
	text      string
	keyboard  Keyboard
	messageID int
	edited    bool
}

type fakeMessenger struct {
	mu      sync.Mutex
	out     []outMessage
	deleted []int
	answers []string
	nextID  int
}

func (f *fakeMessenger) Send(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, outMessage{chatID: chatID, text: text})
	return nil
}

func (f *fakeMessenger) SendKeyboard(_ context.Context, chatID int64, text string, kb Keyboard) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.out = append(f.out, outMessage{chatID: chatID, text: text, keyboard: kb, messageID: f.nextID})
	return f.nextID, nil
}

func (f *fakeMessenger) Edit(_ context.Context, chatID int64, messageID int, text string, kb Keyboard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, outMessage{chatID: chatID, text: text, keyboard: kb, messageID: messageID, edited: true})
	return nil
}

func (f *fakeMessenger) Delete(_ context.Context, _ int64, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeMessenger) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeMessenger) last() outMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out[len(f.out)-1]
}

func (f *fakeMessenger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.out)
}

type fakeFetcher struct {
	names map[string]string
}

func (f *fakeFetcher) Fetch(_ context.Context, stash string) (*db.Validator, error) {
	name, ok := f.names[stash]
	if !ok {
		return nil, candidate.ErrNotCandidate
	}
	return &db.Validator{Stash: stash, Name: name, Rank: 7, Valid: true, Commission: "3.00%"}, nil
}

type nopDropper struct{}

func (nopDropper) DropChat(int64) error { return nil }

type fakeStaking struct {
	// release, when set, holds StakingInfo until closed
	release chan struct{}
	err     error
}

func (f *fakeStaking) StakingInfo(_ context.Context, _ string) (*chain.StakingInfo, error) {
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return &chain.StakingInfo{
		Era:        4000,
		Active:     true,
		Commission: "3.00%",
		Own:        big.NewInt(1_000_000_000_000),
		Total:      big.NewInt(5_000_000_000_000),
		Nominators: 12,
	}, nil
}

type fixture struct {
	d       *Dispatcher
	store   *db.BoltDB
	msgr    *fakeMessenger
	fetcher *fakeFetcher
	staking *fakeStaking
	net     network.Network
}

func newFixture(t *testing.T) *fixture {
	store, err := db.NewBoltDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	net, err := network.Lookup("kusama")
	require.NoError(t, err)

	f := &fixture{
		store:   store,
		msgr:    &fakeMessenger{},
		fetcher: &fakeFetcher{names: map[string]string{}},
		staking: &fakeStaking{},
		net:     net,
	}
	subs := subscription.New(store, f.fetcher, nopDropper{}, net, 2, zap.NewNop())
	f.d = NewDispatcher(store, subs, f.staking, store, f.msgr, net, Config{Name: "TvpBot"}, zap.NewNop())
	return f
}

func (f *fixture) stash(seed byte, name string) string {
	addr := address.NewValidator(f.net.SS58Prefix).Encode(bytes.Repeat([]byte{seed}, 32))
	f.fetcher.names[addr] = name
	return addr
}

func (f *fixture) say(chatID int64, text string) {
	f.d.Handle(context.Background(), Update{ChatID: chatID, Private: chatID > 0, Text: text})
}

func (f *fixture) press(chatID int64, messageID int, data string) {
	f.d.Handle(context.Background(), Update{ChatID: chatID, Private: chatID > 0,
		Callback: &Callback{ID: "cb", MessageID: messageID, Data: data}})
}

func (f *fixture) state(t *testing.T, chatID int64) db.ChatState {
	chat, err := f.store.GetChat(chatID)
	require.NoError(t, err)
	return db.ChatState(chat.State)
}

func TestFirstMessageCreatesChat(t *testing.T) {
	f := newFixture(t)
	f.say(1, "/start")

	chat, err := f.store.GetChat(1)
	require.NoError(t, err)
	require.Equal(t, db.BlockPeriodHourly, chat.BlockPeriod)
	require.True(t, chat.NotifyNominations)
	require.Contains(t, f.msgr.last().text, "/add")
}

func TestAddFlow(t *testing.T) {
	f := newFixture(t)
	s := f.stash(1, "alpha")

	f.say(1, "/add")
	require.Equal(t, db.StateAdd, f.state(t, 1))

	f.say(1, s)
	require.Equal(t, db.StateIdle, f.state(t, 1))
	require.Equal(t, "👀 Now watching <b>alpha</b>.", f.msgr.last().text)

	f.say(1, "/add")
	f.say(1, s)
	require.Equal(t, "You are already watching <b>alpha</b>.", f.msgr.last().text)
}

func TestAddErrorsReturnToIdle(t *testing.T) {
	f := newFixture(t)

	f.say(1, "/add")
	f.say(1, "garbage")
	require.Equal(t, db.StateIdle, f.state(t, 1))
	require.Equal(t, "❗️ That is not a valid kusama address.", f.msgr.last().text)

	f.say(1, "/add")
	f.say(1, address.NewValidator(f.net.SS58Prefix).Encode(bytes.Repeat([]byte{9}, 32)))
	require.Equal(t, db.StateIdle, f.state(t, 1))
	require.Contains(t, f.msgr.last().text, "not a Thousand Validators Programme candidate")
}

func TestAddRespectsCap(t *testing.T) {
	f := newFixture(t)
	for i := byte(1); i <= 2; i++ {
		f.say(1, "/add")
		f.say(1, f.stash(i, "v"))
	}
	f.say(1, "/add")
	require.Equal(t, db.StateIdle, f.state(t, 1))
	require.Contains(t, f.msgr.last().text, "maximum of 2 validators")
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	f.say(1, "/rewards")
	require.Equal(t, db.StateRewardsEnterAddress, f.state(t, 1))
	f.say(1, "/cancel@tvpbot")
	require.Equal(t, db.StateIdle, f.state(t, 1))
	require.Equal(t, "Cancelled.", f.msgr.last().text)
}

func TestUnknownCommands(t *testing.T) {
	f := newFixture(t)

	f.say(1, "hello")
	require.Equal(t, 1, f.msgr.count())
	require.Contains(t, f.msgr.last().text, "/help")

	// groups stay quiet
	f.say(-100, "hello")
	f.say(-100, "/nonsense")
	require.Equal(t, 1, f.msgr.count())

	// commands for other bots are ignored, ours are answered
	f.say(-100, "/help@otherbot")
	require.Equal(t, 1, f.msgr.count())
	f.say(-100, "/help@TvpBot")
	require.Equal(t, 2, f.msgr.count())
}

func TestRemoveViaKeyboard(t *testing.T) {
	f := newFixture(t)
	a := f.stash(1, "alpha")
	f.say(1, "/add")
	f.say(1, a)
	f.say(1, "/add")
	f.say(1, f.stash(2, "beta"))

	f.say(1, "/remove")
	require.Equal(t, db.StateRemove, f.state(t, 1))
	menu := f.msgr.last()
	require.Len(t, menu.keyboard, 2)
	var data []string
	for _, row := range menu.keyboard {
		data = append(data, row[0].Data)
	}
	require.Contains(t, data, "sel:"+a)

	f.press(1, menu.messageID, "sel:"+a)
	require.Equal(t, db.StateIdle, f.state(t, 1))
	require.Equal(t, "Stopped watching <b>alpha</b>.", f.msgr.last().text)

	_, err := f.store.GetValidator(a)
	require.ErrorIs(t, err, db.ErrNotFound)

	// a stale menu does nothing
	before := f.msgr.count()
	f.press(1, menu.messageID, "sel:"+a)
	require.Equal(t, before, f.msgr.count())
	require.Equal(t, "This menu is no longer active.", f.msgr.answers[len(f.msgr.answers)-1])
}

func TestRemoveWithoutValidators(t *testing.T) {
	f := newFixture(t)
	f.say(1, "/remove")
	require.Equal(t, db.StateIdle, f.state(t, 1))
	require.Contains(t, f.msgr.last().text, "/add")
}

func TestValidatorInfoSingleSkipsPrompt(t *testing.T) {
	f := newFixture(t)
	f.say(1, "/add")
	f.say(1, f.stash(1, "alpha"))

	f.say(1, "/validatorinfo")
	require.Equal(t, db.StateIdle, f.state(t, 1))
	text := f.msgr.last().text
	require.True(t, strings.HasPrefix(text, "<b>alpha</b>\n"))
	require.Contains(t, text, "Rank: 7")
	require.Contains(t, text, "Commission: 3.00%")
}

func TestValidatorInfoByName(t *testing.T) {
	f := newFixture(t)
	f.say(1, "/add")
	f.say(1, f.stash(1, "alpha"))
	f.say(1, "/add")
	f.say(1, f.stash(2, "beta"))

	f.say(1, "/validatorinfo")
	require.Equal(t, db.StateValidatorInfo, f.state(t, 1))
	f.say(1, "beta")
	require.Equal(t, db.StateIdle, f.state(t, 1))
	require.True(t, strings.HasPrefix(f.msgr.last().text, "<b>beta</b>"))

	f.say(1, "/validatorinfo")
	f.say(1, "gamma")
	require.Equal(t, db.StateIdle, f.state(t, 1))
	require.Equal(t, "❗️ You are not watching that validator.", f.msgr.last().text)
}

func TestStakingInfoLoadingGuard(t *testing.T) {
	f := newFixture(t)
	f.say(1, "/add")
	f.say(1, f.stash(1, "alpha"))
	f.staking.release = make(chan struct{})

	f.say(1, "/stakinginfo")
	require.Equal(t, db.StateStakingInfoLoading, f.state(t, 1))

	f.say(1, "/stakinginfo")
	require.Equal(t, "⏳ Still loading staking info, please wait.", f.msgr.last().text)
	require.Equal(t, db.StateStakingInfoLoading, f.state(t, 1))

	close(f.staking.release)
	f.d.Wait()
	require.Equal(t, db.StateIdle, f.state(t, 1))
	text := f.msgr.last().text
	require.Contains(t, text, "<b>alpha</b> in era 4000")
	require.Contains(t, text, "Own stake: 1.00 KSM")
	require.Contains(t, text, "Total stake: 5.00 KSM")
	require.Contains(t, text, "Nominators: 12")
}

func TestStakingInfoSelectAndFailure(t *testing.T) {
	f := newFixture(t)
	f.say(1, "/add")
	f.say(1, f.stash(1, "alpha"))
	f.say(1, "/add")
	f.say(1, f.stash(2, "beta"))
	f.staking.err = errors.New("rpc down")

	f.say(1, "/stakinginfo")
	require.Equal(t, db.StateStakingInfoSelectValidator, f.state(t, 1))
	f.say(1, "alpha")
	f.d.Wait()
	require.Equal(t, db.StateIdle, f.state(t, 1))
	require.Equal(t, "❗️ Something went wrong, please try again later.", f.msgr.last().text)
}

func TestRewards(t *testing.T) {
	f := newFixture(t)
	s := f.stash(1, "alpha")
	require.NoError(t, f.store.PutReward(db.Reward{Stash: s, Block: 10, Amount: "1000000000000"}))
	require.NoError(t, f.store.PutReward(db.Reward{Stash: s, Block: 20, Amount: "500000000000"}))

	f.say(1, "/rewards")
	f.say(1, s)
	require.Equal(t, db.StateIdle, f.state(t, 1))
	text := f.msgr.last().text
	require.Contains(t, text, "Total: 1.50 KSM in 2 payouts")
	require.Less(t, strings.Index(text, "#20"), strings.Index(text, "#10"))
}

func TestSettingsCallbacks(t *testing.T) {
	f := newFixture(t)
	f.say(1, "/settings")
	menu := f.msgr.last()
	require.Contains(t, menu.text, "Block notifications: hourly")
	require.Len(t, menu.keyboard, 4)

	chat, err := f.store.GetChat(1)
	require.NoError(t, err)
	require.Equal(t, menu.messageID, chat.SettingsMessageID)

	f.press(1, menu.messageID, "bp:180")
	edited := f.msgr.last()
	require.True(t, edited.edited)
	require.Contains(t, edited.text, "Block notifications: every half era")

	f.press(1, menu.messageID, "tg:offline")
	require.Contains(t, f.msgr.last().text, "Offline reports: off")

	f.press(1, menu.messageID, "pp:0")
	require.Contains(t, f.msgr.last().text, "Unclaimed payout reminders: off")

	before := f.msgr.count()
	f.press(1, menu.messageID, "bp:7")
	f.press(1, menu.messageID, "bp:x")
	f.press(1, menu.messageID, "zz:1")
	require.Equal(t, before, f.msgr.count())
	require.Equal(t, []string{"Saved.", "Saved.", "Saved.", "Unsupported option.", "Unsupported option.", "Unsupported option."}, f.msgr.answers)

	// a fresh menu replaces the old one
	f.say(1, "/settings")
	require.Equal(t, []int{menu.messageID}, f.msgr.deleted)
	require.Equal(t, db.StateIdle, f.state(t, 1))
}

func TestUnknownStateIsDropped(t *testing.T) {
	f := newFixture(t)
	chat := db.NewChat(1)
	chat.State = "SOMETHING_ELSE"
	require.NoError(t, f.store.PutChat(chat))

	f.say(1, "/help")
	require.Equal(t, 0, f.msgr.count())
	require.Equal(t, db.ChatState("SOMETHING_ELSE"), f.state(t, 1))
}

func TestTransitionTable(t *testing.T) {
	require.True(t, allowed(db.StateIdle, db.StateAdd))
	require.True(t, allowed(db.StateStakingInfoSelectValidator, db.StateStakingInfoLoading))
	require.False(t, allowed(db.StateAdd, db.StateRemove))
	require.False(t, allowed(db.StateStakingInfoLoading, db.StateStakingInfoLoading))
	for state, targets := range transitions {
		if state != db.StateIdle {
			require.Contains(t, targets, db.StateIdle, state)
		}
	}
}
