package notify

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stakestar/tvpbot/db"
	"github.com/stakestar/tvpbot/network"
)

type sentMessage struct {
	chatID int64
	text   string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	fail bool
	// onSend runs before the message is recorded.
	onSend func()
}

func (f *fakeSender) Send(_ context.Context, chatID int64, text string) error {
	if f.onSend != nil {
		f.onSend()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("transport down")
	}
	f.sent = append(f.sent, sentMessage{chatID, text})
	return nil
}

func (f *fakeSender) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func newTestScheduler(t *testing.T) (*Scheduler, *db.BoltDB, *fakeSender) {
	store, err := db.NewBoltDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	net, err := network.Lookup("kusama")
	require.NoError(t, err)
	sender := &fakeSender{}
	return NewScheduler(store, sender, net, zap.NewNop()), store, sender
}

func watch(t *testing.T, store *db.BoltDB, stash, name string, chatID int64, period int) *db.Validator {
	chat := db.NewChat(chatID)
	chat.BlockPeriod = period
	require.NoError(t, store.PutChat(chat))
	v, err := store.AddValidatorChat(&db.Validator{Stash: stash, Name: name}, chatID, 20)
	require.NoError(t, err)
	return v
}

func TestHourlyBatching(t *testing.T) {
	s, store, sender := newTestScheduler(t)
	ctx := context.Background()
	v := watch(t, store, "S2", "val-two", 200, db.BlockPeriodHourly)

	for _, b := range []uint64{10, 11, 12, 11} {
		s.OnBlockAuthored(ctx, v, b)
	}
	require.Empty(t, sender.messages())

	p, err := store.GetPending(200, "S2")
	require.NoError(t, err)
	require.Equal(t, []uint64{10, 11, 12}, p.Blocks)

	// other cohorts leave it alone
	s.FlushCohort(ctx, s.network.HalfEraMinutes())
	require.Empty(t, sender.messages())

	s.FlushCohort(ctx, db.BlockPeriodHourly)
	msgs := sender.messages()
	require.Len(t, msgs, 1)
	require.Equal(t, int64(200), msgs[0].chatID)
	require.Equal(t, "🧱 <b>val-two</b> authored 3 blocks: #10, #11, #12", msgs[0].text)

	_, err = store.GetPending(200, "S2")
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestImmediateAndOff(t *testing.T) {
	s, store, sender := newTestScheduler(t)
	ctx := context.Background()
	watch(t, store, "S1", "one", 1, db.BlockPeriodImmediate)
	v := watch(t, store, "S1", "one", 2, db.BlockPeriodOff)
	require.ElementsMatch(t, []int64{1, 2}, v.ChatIDs)

	s.OnBlockAuthored(ctx, v, 42)

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	require.Equal(t, int64(1), msgs[0].chatID)

	for _, chatID := range []int64{1, 2} {
		pending, err := store.ListPendingByChat(chatID)
		require.NoError(t, err)
		require.Empty(t, pending)
	}
}

func TestSendFailureKeepsRecord(t *testing.T) {
	s, store, sender := newTestScheduler(t)
	ctx := context.Background()
	v := watch(t, store, "S3", "three", 3, db.BlockPeriodHourly)
	s.OnBlockAuthored(ctx, v, 7)

	sender.fail = true
	s.FlushCohort(ctx, db.BlockPeriodHourly)
	p, err := store.GetPending(3, "S3")
	require.NoError(t, err)
	require.Equal(t, []uint64{7}, p.Blocks)

	sender.fail = false
	s.FlushCohort(ctx, db.BlockPeriodHourly)
	require.Len(t, sender.messages(), 1)
	_, err = store.GetPending(3, "S3")
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestFlushKeepsBlocksAppendedInFlight(t *testing.T) {
	s, store, sender := newTestScheduler(t)
	ctx := context.Background()
	v := watch(t, store, "S4", "four", 4, db.BlockPeriodHourly)
	s.OnBlockAuthored(ctx, v, 1)
	s.OnBlockAuthored(ctx, v, 2)

	sender.onSend = func() {
		sender.onSend = nil
		require.NoError(t, store.AppendPendingBlock(4, "S4", 3))
	}
	s.FlushCohort(ctx, db.BlockPeriodHourly)

	p, err := store.GetPending(4, "S4")
	require.NoError(t, err)
	require.Equal(t, []uint64{3}, p.Blocks)
}

func TestFlushChatIgnoresPeriod(t *testing.T) {
	s, store, sender := newTestScheduler(t)
	ctx := context.Background()
	eraEnd := s.network.EraMinutes()
	v := watch(t, store, "S5", "five", 5, eraEnd)
	s.OnBlockAuthored(ctx, v, 100)

	s.FlushCohort(ctx, db.BlockPeriodHourly)
	require.Empty(t, sender.messages())

	s.FlushValidator(ctx, v)
	require.Len(t, sender.messages(), 1)
	pending, err := store.ListPendingByChat(5)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestEraChangeFlushesEraEndCohort(t *testing.T) {
	s, store, sender := newTestScheduler(t)
	ctx := context.Background()
	v := watch(t, store, "S6", "six", 6, s.network.EraMinutes())
	s.OnBlockAuthored(ctx, v, 9)

	s.OnEraChange(ctx)
	require.Len(t, sender.messages(), 1)
}

func TestDanglingChatIsDropped(t *testing.T) {
	s, store, sender := newTestScheduler(t)
	ctx := context.Background()
	require.NoError(t, store.PutChat(db.NewChat(77)))
	require.NoError(t, store.AppendPendingBlock(77, "S7", 1))
	require.NoError(t, store.DeleteChat(77))

	s.FlushCohort(ctx, db.BlockPeriodHourly)
	require.Empty(t, sender.messages())
	_, err := store.GetPending(77, "S7")
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestDropChat(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()
	v := watch(t, store, "S8", "eight", 8, db.BlockPeriodHourly)
	s.OnBlockAuthored(ctx, v, 1)

	require.NoError(t, s.DropChat(8))
	pending, err := store.ListPendingByChat(8)
	require.NoError(t, err)
	require.Empty(t, pending)
}

// switchingStore turns a chat's block period off right before the append,
// the way a settings callback can race a block.
type switchingStore struct {
	*db.BoltDB
	before func()
}

func (s *switchingStore) AppendPendingBlock(chatID int64, stash string, block uint64) error {
	if s.before != nil {
		s.before()
	}
	return s.BoltDB.AppendPendingBlock(chatID, stash, block)
}

func TestPeriodSwitchedOffWhileQueueing(t *testing.T) {
	base, store, sender := newTestScheduler(t)
	ctx := context.Background()
	v := watch(t, store, "S", "val", 7, db.BlockPeriodHourly)

	wrapped := &switchingStore{BoltDB: store}
	s := NewScheduler(wrapped, sender, base.network, zap.NewNop())
	wrapped.before = func() {
		_, err := store.UpdateChat(7, func(c *db.Chat) error {
			c.BlockPeriod = db.BlockPeriodOff
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, s.DropChat(7))
	}

	s.OnBlockAuthored(ctx, v, 10)

	pending, err := store.ListPendingByChat(7)
	require.NoError(t, err)
	require.Empty(t, pending)
	require.Empty(t, sender.messages())
}

// blockingSender parks every send until release is closed.
type blockingSender struct {
	entered chan int64
	release chan struct{}
}

func (b *blockingSender) Send(_ context.Context, chatID int64, _ string) error {
	b.entered <- chatID
	<-b.release
	return nil
}

func TestSlowSendDoesNotBlockOtherChats(t *testing.T) {
	base, store, _ := newTestScheduler(t)
	ctx := context.Background()
	v := watch(t, store, "S", "val", 7, db.BlockPeriodHourly)
	watch(t, store, "S", "val", 8, db.BlockPeriodHourly)

	sender := &blockingSender{entered: make(chan int64, 4), release: make(chan struct{})}
	s := NewScheduler(store, sender, base.network, zap.NewNop())
	require.NoError(t, store.AppendPendingBlock(7, v.Stash, 1))

	flushed := make(chan struct{})
	go func() {
		s.FlushChat(ctx, 7)
		close(flushed)
	}()
	require.Equal(t, int64(7), <-sender.entered)

	dropped := make(chan error, 1)
	go func() { dropped <- s.DropChat(8) }()
	select {
	case err := <-dropped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("DropChat waited for an unrelated send")
	}

	close(sender.release)
	<-flushed
	pending, err := store.ListPendingByChat(7)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestConcurrentFlushSendsOnce(t *testing.T) {
	s, store, sender := newTestScheduler(t)
	ctx := context.Background()
	v := watch(t, store, "S4", "four", 4, db.BlockPeriodHourly)
	s.OnBlockAuthored(ctx, v, 1)

	sender.onSend = func() {
		sender.onSend = nil
		// a forced flush arriving while the cohort flush is sending
		s.FlushValidator(ctx, v)
	}
	s.FlushCohort(ctx, db.BlockPeriodHourly)

	require.Len(t, sender.messages(), 1)
	pending, err := store.ListPendingByChat(4)
	require.NoError(t, err)
	require.Empty(t, pending)
}
