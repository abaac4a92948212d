package message

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aosora-chat/server/feed"
	"github.com/aosora-chat/server/model"
	"github.com/aosora-chat/server/testutil"
	"github.com/aosora-chat/server/thread"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newSetup(t *testing.T) (*gorm.DB, *Service, *thread.Materializer, *feed.Gateway) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	_, ps := testutil.SetupTestCache(t)
	gw := feed.NewGateway(ps, zap.NewNop())
	threads := thread.NewMaterializer(db, gw, zap.NewNop())
	svc := NewService(db, threads, gw, 100, zap.NewNop())
	return db, svc, threads, gw
}

func seedPair(t *testing.T, db *gorm.DB, threads *thread.Materializer) (a, b int64, th *model.Thread) {
	t.Helper()
	ua := &model.User{Username: "alice", PasswordHash: "x", DisplayName: "Alice", Handle: "alice", Status: 1}
	ub := &model.User{Username: "bob", PasswordHash: "x", DisplayName: "Bob", Handle: "bob", Status: 1}
	require.NoError(t, db.Create(ua).Error)
	require.NoError(t, db.Create(ub).Error)
	var err error
	th, err = threads.EnsureThread(context.Background(), ua.ID, ub.ID)
	require.NoError(t, err)
	return ua.ID, ub.ID, th
}

func TestSend_AppendsAndUpdatesPreview(t *testing.T) {
	db, svc, threads, _ := newSetup(t)
	a, _, th := seedPair(t, db, threads)

	msg, err := svc.Send(context.Background(), th.ID, a, "  hello there  ")
	require.NoError(t, err)
	assert.Equal(t, "hello there", msg.Content)
	assert.Equal(t, a, msg.SenderID)

	var got model.Thread
	require.NoError(t, db.First(&got, th.ID).Error)
	assert.Equal(t, "hello there", got.LastMessage)
	require.NotNil(t, got.LastMessageAt)
}

func TestSend_Validation(t *testing.T) {
	db, svc, threads, _ := newSetup(t)
	a, _, th := seedPair(t, db, threads)

	_, err := svc.Send(context.Background(), th.ID, a, "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)

	_, err = svc.Send(context.Background(), th.ID, a, strings.Repeat("x", 101))
	require.ErrorIs(t, err, ErrMessageTooLong)

	// Limit counts runes, not bytes.
	_, err = svc.Send(context.Background(), th.ID, a, strings.Repeat("あ", 100))
	require.NoError(t, err)
}

func TestSend_NonParticipant(t *testing.T) {
	db, svc, threads, _ := newSetup(t)
	_, _, th := seedPair(t, db, threads)

	stranger := &model.User{Username: "eve", PasswordHash: "x", Handle: "eve", Status: 1}
	require.NoError(t, db.Create(stranger).Error)

	_, err := svc.Send(context.Background(), th.ID, stranger.ID, "hi")
	require.ErrorIs(t, err, thread.ErrNotParticipant)

	_, err = svc.Send(context.Background(), 9999, stranger.ID, "hi")
	require.ErrorIs(t, err, thread.ErrThreadNotFound)
}

func TestSend_PublishesToBothParticipants(t *testing.T) {
	db, svc, threads, gw := newSetup(t)
	a, b, th := seedPair(t, db, threads)

	evA, cancelA, err := gw.Subscribe(context.Background(), a)
	require.NoError(t, err)
	defer cancelA()
	evB, cancelB, err := gw.Subscribe(context.Background(), b)
	require.NoError(t, err)
	defer cancelB()

	_, err = svc.Send(context.Background(), th.ID, a, "ping")
	require.NoError(t, err)

	for name, ch := range map[string]<-chan *feed.Event{"sender": evA, "receiver": evB} {
		select {
		case ev := <-ch:
			require.NotNil(t, ev.Message, name)
			assert.Equal(t, feed.TableMessages, ev.Table, name)
			assert.Equal(t, "ping", ev.Message.Content, name)
			require.NotNil(t, ev.Thread, name)
			assert.Equal(t, th.ID, ev.Thread.ID, name)
		case <-time.After(2 * time.Second):
			t.Fatalf("no feed event for %s", name)
		}
	}
}

func TestList_AscendingOrder(t *testing.T) {
	db, svc, threads, _ := newSetup(t)
	a, b, th := seedPair(t, db, threads)

	for _, content := range []string{"one", "two", "three"} {
		_, err := svc.Send(context.Background(), th.ID, a, content)
		require.NoError(t, err)
	}

	msgs, err := svc.List(context.Background(), th.ID, b, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "three", msgs[2].Content)
}

func TestBefore_PagesBackwards(t *testing.T) {
	db, svc, threads, _ := newSetup(t)
	a, _, th := seedPair(t, db, threads)

	// Insert with explicit timestamps so paging boundaries are stable.
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		msg := &model.Message{
			ThreadID:  th.ID,
			SenderID:  a,
			Content:   string(rune('a' + i)),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, db.Create(msg).Error)
	}

	page, err := svc.Before(context.Background(), th.ID, a, base.Add(3*time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	// Two newest messages older than the cursor, ascending.
	assert.Equal(t, "b", page[0].Content)
	assert.Equal(t, "c", page[1].Content)
}
