package thread

import (
	"context"
	"testing"
	"time"

	"github.com/aosora-chat/server/feed"
	"github.com/aosora-chat/server/model"
	"github.com/aosora-chat/server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newSetup(t *testing.T) (*gorm.DB, *Materializer) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	_, ps := testutil.SetupTestCache(t)
	gw := feed.NewGateway(ps, zap.NewNop())
	return db, NewMaterializer(db, gw, zap.NewNop())
}

func seedUsers(t *testing.T, db *gorm.DB, handles ...string) []int64 {
	t.Helper()
	ids := make([]int64, len(handles))
	for i, h := range handles {
		u := &model.User{Username: h, PasswordHash: "x", DisplayName: "Name " + h, Handle: h, AvatarURL: h + ".png", Status: 1}
		require.NoError(t, db.Create(u).Error)
		ids[i] = u.ID
	}
	return ids
}

func TestEnsureThread_Idempotent(t *testing.T) {
	db, m := newSetup(t)
	ids := seedUsers(t, db, "alice", "bob")

	t1, err := m.EnsureThread(context.Background(), ids[0], ids[1])
	require.NoError(t, err)

	// Either argument order resolves to the same canonical row.
	t2, err := m.EnsureThread(context.Background(), ids[1], ids[0])
	require.NoError(t, err)
	assert.Equal(t, t1.ID, t2.ID)

	var count int64
	db.Model(&model.Thread{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestEnsureThread_DenormalizesBothSides(t *testing.T) {
	db, m := newSetup(t)
	ids := seedUsers(t, db, "alice", "bob")

	th, err := m.EnsureThread(context.Background(), ids[1], ids[0])
	require.NoError(t, err)

	// Participants are stored sorted.
	assert.Less(t, th.UserAID, th.UserBID)
	assert.Equal(t, model.PairKeyFor(ids[0], ids[1]), th.PairKey)
	assert.Equal(t, "Name alice", th.UserAName)
	assert.Equal(t, "bob", th.UserBHandle)
}

func TestGet_Membership(t *testing.T) {
	db, m := newSetup(t)
	ids := seedUsers(t, db, "alice", "bob", "carol")

	th, err := m.EnsureThread(context.Background(), ids[0], ids[1])
	require.NoError(t, err)

	_, err = m.Get(context.Background(), th.ID, ids[0])
	require.NoError(t, err)

	_, err = m.Get(context.Background(), th.ID, ids[2])
	require.ErrorIs(t, err, ErrNotParticipant)

	_, err = m.Get(context.Background(), 9999, ids[0])
	require.ErrorIs(t, err, ErrThreadNotFound)
}

func TestListThreads_OrderAndCounterpartFields(t *testing.T) {
	db, m := newSetup(t)
	ids := seedUsers(t, db, "alice", "bob", "carol")

	tb, err := m.EnsureThread(context.Background(), ids[0], ids[1])
	require.NoError(t, err)
	tc, err := m.EnsureThread(context.Background(), ids[0], ids[2])
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, m.RecordPreview(context.Background(), tb.ID, "older", now.Add(-time.Minute)))
	require.NoError(t, m.RecordPreview(context.Background(), tc.ID, "newer", now))

	entries, err := m.ListThreads(context.Background(), ids[0], []int64{ids[1], ids[2]})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Most recent preview first.
	assert.Equal(t, ids[2], entries[0].CounterpartID)
	assert.Equal(t, "newer", entries[0].LastMessage)
	assert.Equal(t, ids[1], entries[1].CounterpartID)

	// The viewer sees the counterpart's display fields, not their own.
	assert.Equal(t, "carol", entries[0].Handle)
	assert.Equal(t, "Name bob", entries[1].Name)
}

func TestListThreads_FriendsWithoutThreadAppended(t *testing.T) {
	db, m := newSetup(t)
	ids := seedUsers(t, db, "alice", "bob", "carol", "dave")

	tb, err := m.EnsureThread(context.Background(), ids[0], ids[1])
	require.NoError(t, err)
	require.NoError(t, m.RecordPreview(context.Background(), tb.ID, "hi", time.Now()))

	entries, err := m.ListThreads(context.Background(), ids[0], []int64{ids[1], ids[2], ids[3]})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, ids[1], entries[0].CounterpartID)
	// Friends lacking a thread come last, in ID order, with no preview.
	assert.Equal(t, ids[2], entries[1].CounterpartID)
	assert.Equal(t, int64(0), entries[1].ThreadID)
	assert.Empty(t, entries[1].LastMessage)
	assert.Nil(t, entries[1].LastMessageAt)
	assert.Equal(t, ids[3], entries[2].CounterpartID)
}

func TestListThreads_EmptyPreviewsSortLast(t *testing.T) {
	db, m := newSetup(t)
	ids := seedUsers(t, db, "alice", "bob", "carol")

	_, err := m.EnsureThread(context.Background(), ids[0], ids[1])
	require.NoError(t, err)
	tc, err := m.EnsureThread(context.Background(), ids[0], ids[2])
	require.NoError(t, err)
	require.NoError(t, m.RecordPreview(context.Background(), tc.ID, "hello", time.Now()))

	entries, err := m.ListThreads(context.Background(), ids[0], nil)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ids[2], entries[0].CounterpartID)
	assert.Equal(t, ids[1], entries[1].CounterpartID)
}

func TestListThreads_DedupesDuplicateRows(t *testing.T) {
	db, m := newSetup(t)
	ids := seedUsers(t, db, "alice", "bob")

	th, err := m.EnsureThread(context.Background(), ids[0], ids[1])
	require.NoError(t, err)

	// Simulate the concurrent-create race: a second row for the same pair,
	// carrying the fresher preview.
	now := time.Now()
	dup := &model.Thread{
		PairKey: th.PairKey,
		UserAID: th.UserAID, UserBID: th.UserBID,
		UserAName: th.UserAName, UserAHandle: th.UserAHandle,
		UserBName: th.UserBName, UserBHandle: th.UserBHandle,
		LastMessage:   "from the duplicate",
		LastMessageAt: &now,
	}
	require.NoError(t, db.Create(dup).Error)

	entries, err := m.ListThreads(context.Background(), ids[0], []int64{ids[1]})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Canonical row wins the identity, duplicate contributes the preview.
	assert.Equal(t, th.ID, entries[0].ThreadID)
	assert.Equal(t, "from the duplicate", entries[0].LastMessage)
}

func TestRecordPreview_Truncates(t *testing.T) {
	db, m := newSetup(t)
	ids := seedUsers(t, db, "alice", "bob")

	th, err := m.EnsureThread(context.Background(), ids[0], ids[1])
	require.NoError(t, err)

	long := make([]rune, 500)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, m.RecordPreview(context.Background(), th.ID, string(long), time.Now()))

	var got model.Thread
	require.NoError(t, db.First(&got, th.ID).Error)
	assert.Len(t, []rune(got.LastMessage), previewMaxLen)
}

func TestReconcile_MergesDuplicates(t *testing.T) {
	db, m := newSetup(t)
	ids := seedUsers(t, db, "alice", "bob")

	keeper, err := m.EnsureThread(context.Background(), ids[0], ids[1])
	require.NoError(t, err)

	now := time.Now()
	dup := &model.Thread{
		PairKey: keeper.PairKey,
		UserAID: keeper.UserAID, UserBID: keeper.UserBID,
		UserAName: keeper.UserAName, UserAHandle: keeper.UserAHandle,
		UserBName: keeper.UserBName, UserBHandle: keeper.UserBHandle,
		LastMessage:   "latest",
		LastMessageAt: &now,
	}
	require.NoError(t, db.Create(dup).Error)

	// A message written against the duplicate must survive the merge.
	msg := &model.Message{ThreadID: dup.ID, SenderID: ids[0], Content: "hello"}
	require.NoError(t, db.Create(msg).Error)

	require.NoError(t, m.Reconcile(context.Background()))

	var count int64
	db.Model(&model.Thread{}).Where("pair_key = ?", keeper.PairKey).Count(&count)
	assert.Equal(t, int64(1), count)

	var merged model.Thread
	require.NoError(t, db.First(&merged, keeper.ID).Error)
	assert.Equal(t, "latest", merged.LastMessage)

	var moved model.Message
	require.NoError(t, db.First(&moved, msg.ID).Error)
	assert.Equal(t, keeper.ID, moved.ThreadID)
}

func TestReconcile_NoDuplicatesIsNoop(t *testing.T) {
	db, m := newSetup(t)
	ids := seedUsers(t, db, "alice", "bob")

	th, err := m.EnsureThread(context.Background(), ids[0], ids[1])
	require.NoError(t, err)
	require.NoError(t, m.Reconcile(context.Background()))

	var got model.Thread
	require.NoError(t, db.First(&got, th.ID).Error)
}
