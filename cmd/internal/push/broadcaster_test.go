package push

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "notifyd/contracts/notify/v1"
)

func newTestBroadcaster(reg *Registry, record func(Event)) *Broadcaster {
	return NewBroadcaster(nil, reg, BroadcasterOptions{
		Clock:  clockwork.NewFakeClockAt(testEpoch),
		Record: record,
	})
}

func TestBroadcaster_Compose(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(NewRegistry(nil), nil)

	tests := []struct {
		name                string
		body, title, cat    string
		wantBody, wantTitle string
		wantCat             string
	}{
		{
			name: "custom body gets link block",
			body: "Caixa 3 divergente", title: "Alerta", cat: v1.CategoryWarning,
			wantBody:  "Caixa 3 divergente" + strings.Repeat("\n", 9) + "LINK PARA O ACESSO AO SITE ABAIXO\n" + DefaultLink,
			wantTitle: "Alerta", wantCat: v1.CategoryWarning,
		},
		{
			name:     "empty body becomes link only",
			wantBody: "🔗 " + DefaultLink, wantTitle: DefaultTitle, wantCat: v1.CategoryInfo,
		},
		{
			name: "body equal to link becomes link only",
			body: DefaultLink, title: "T", cat: v1.CategoryError,
			wantBody: "🔗 " + DefaultLink, wantTitle: "T", wantCat: v1.CategoryError,
		},
		{
			name: "blank title and category take defaults",
			body: "x", title: "  ",
			wantBody:  "x" + strings.Repeat("\n", 9) + "LINK PARA O ACESSO AO SITE ABAIXO\n" + DefaultLink,
			wantTitle: DefaultTitle, wantCat: v1.CategoryInfo,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m, err := b.Compose(tt.body, tt.title, tt.cat)
			require.NoError(t, err)
			assert.Equal(t, v1.TypeNotification, m.Type)
			assert.Equal(t, tt.wantBody, m.Body)
			assert.Equal(t, tt.wantTitle, m.Title)
			assert.Equal(t, tt.wantCat, m.Category)
			assert.Equal(t, DefaultLink, m.Link)
			assert.Equal(t, v1.Timestamp(testEpoch), m.Timestamp)
			assert.NotEmpty(t, m.ID)
			require.NoError(t, m.Validate())
		})
	}
}

func TestBroadcaster_UnknownCategoryRejected(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	tr := newFakeTransport("172.16.3.1:9000")
	_, err := reg.Add(newTestSession(tr, reg, sessionOptions{}))
	require.NoError(t, err)

	b := newTestBroadcaster(reg, nil)

	_, err = b.Compose("x", "T", "critical")
	assert.ErrorIs(t, err, v1.ErrInvalidField)

	n, err := b.Send(context.Background(), "x", "T", "critical")
	assert.ErrorIs(t, err, v1.ErrInvalidField)
	assert.Zero(t, n)
	assert.Empty(t, tr.messages(), "nothing is sent")
}

func TestBroadcaster_CustomLink(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(nil, NewRegistry(nil), BroadcasterOptions{Link: "https://example.test/pdv"})
	m, err := b.Compose("", "", "")
	require.NoError(t, err)
	assert.Equal(t, "🔗 https://example.test/pdv", m.Body)
	assert.Equal(t, "https://example.test/pdv", b.Link())
}

func TestBroadcaster_Welcome(t *testing.T) {
	t.Parallel()

	m := newTestBroadcaster(NewRegistry(nil), nil).Welcome()
	assert.Equal(t, WelcomeTitle, m.Title)
	assert.Equal(t, v1.CategoryWarning, m.Category)
	assert.Equal(t, strings.Repeat("\n", 13)+"ACESSE O LINK ABAIXO PARA VERIFICAR AS INCONSISTÊNCIAS\n"+DefaultLink, m.Body)
}

func TestBroadcaster_EmptyRegistry(t *testing.T) {
	t.Parallel()

	recorded := 0
	b := newTestBroadcaster(NewRegistry(nil), func(Event) { recorded++ })
	n, err := b.Send(context.Background(), "hello", "", "")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, recorded)
}

func TestBroadcaster_SendReachesEveryClient(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	var transports []*fakeTransport
	for i := 0; i < 5; i++ {
		tr := newFakeTransport(fmt.Sprintf("172.16.0.%d:9000", i))
		transports = append(transports, tr)
		reg.Add(newTestSession(tr, reg, sessionOptions{}))
	}

	var (
		mu     sync.Mutex
		events []Event
	)
	b := newTestBroadcaster(reg, func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	n, err := b.Send(context.Background(), "Fechamento pendente", "Caixa", v1.CategorySuccess)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	var id string
	for _, tr := range transports {
		got := tr.messages()
		require.Len(t, got, 1)
		assert.Equal(t, "Caixa", got[0].Title)
		if id == "" {
			id = got[0].ID
		}
		assert.Equal(t, id, got[0].ID, "one message for the whole pass")
	}

	require.Len(t, events, 1)
	assert.Equal(t, EventBroadcast, events[0].Kind)
	assert.Equal(t, TriggerManual, events[0].Detail)
	assert.Equal(t, 5, events[0].Count)
}

func TestBroadcaster_PrunesFailedSessions(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	good := newFakeTransport("172.16.1.1:9000")
	bad := newFakeTransport("172.16.1.2:9000")
	bad.failWrites(errors.New("connection reset by peer"))

	reg.Add(newTestSession(good, reg, sessionOptions{}))
	badSession := newTestSession(bad, reg, sessionOptions{})
	reg.Add(badSession)

	b := newTestBroadcaster(reg, nil)
	assert.Equal(t, 1, b.SendDefault(context.Background()))

	assert.Equal(t, 1, reg.Len())
	_, ok := reg.Get(bad.remote)
	assert.False(t, ok)
	assert.Equal(t, ReasonWriteFailed, badSession.Reason())
	assert.EqualValues(t, 1, bad.closeCalls.Load())

	got := good.messages()
	require.Len(t, got, 1)
	assert.Equal(t, AutoSendTitle, got[0].Title)
	assert.Equal(t, v1.CategoryWarning, got[0].Category)
	assert.Equal(t, "🔗 "+DefaultLink, got[0].Body)

	// The next pass only sees the survivor.
	assert.Equal(t, 1, b.SendDefault(context.Background()))
}

func TestBroadcaster_CancelledCallerDoesNotPrune(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	tr := newFakeTransport("172.16.2.1:9000")
	reg.Add(newTestSession(tr, reg, sessionOptions{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := newTestBroadcaster(reg, nil)
	n, err := b.Send(ctx, "ainda entregue", "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, reg.Len())
}
