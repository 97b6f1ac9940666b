package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partyline/relaybank/internal/apperr"
	"github.com/partyline/relaybank/internal/config"
	"github.com/partyline/relaybank/internal/ledger"
	"github.com/partyline/relaybank/internal/store"
)

const lobbyID = "lobby-1"

var (
	base  = time.Date(2026, 5, 10, 18, 0, 0, 0, time.UTC)
	host  = Actor{PlayerID: "p-host", UserID: "u-host"}
	guest = Actor{PlayerID: "p-guest"}
	alice = Actor{PlayerID: "p-alice", UserID: "u-alice"}
	bob   = Actor{PlayerID: "p-bob", UserID: "u-bob"}
)

type fixture struct {
	t   *testing.T
	st  *store.Memory
	l   *ledger.Ledger
	svc *Service
	now time.Time
}

func newFixture(t *testing.T, mutate ...func(*config.RelayConfig)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	f := &fixture{t: t, st: store.NewMemory(), now: base}
	f.l = ledger.New(f.st, nil, ledger.WithClock(func() time.Time { return f.now }))
	f.svc = NewService(f.st, f.l, nil, cfg)

	f.st.PutLobby(store.Lobby{ID: lobbyID, Mode: store.LobbyVirtual, Status: store.LobbyInProgress, HostPlayerID: host.PlayerID})
	for _, a := range []Actor{host, guest, alice, bob} {
		f.st.PutPlayer(store.Player{ID: a.PlayerID, LobbyID: lobbyID, UserID: a.UserID, DisplayName: a.PlayerID})
	}
	return f
}

func (f *fixture) pack(userID string, pack ledger.PackType) {
	f.t.Helper()
	_, err := f.l.GrantCreditPack(context.Background(), userID, pack)
	require.NoError(f.t, err)
}

func (f *fixture) hours(userID string, h float64) {
	f.t.Helper()
	require.NoError(f.t, f.st.InTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertBucket(context.Background(), &store.Bucket{
			UserID: userID, Source: store.SourceCreditPack, TotalHours: h, RemainingHours: h,
			ExpiresAt: f.now.Add(30 * 24 * time.Hour), CreatedAt: f.now,
		})
	}))
}

func (f *fixture) total(userID string) float64 {
	f.t.Helper()
	s, err := f.l.Summary(context.Background(), userID)
	require.NoError(f.t, err)
	return s.TotalAvailableHours
}

func (f *fixture) session(a Actor) *store.Session {
	f.t.Helper()
	var out *store.Session
	require.NoError(f.t, f.st.InTx(context.Background(), func(tx store.Tx) error {
		sessions, err := tx.ListSessions(context.Background(), lobbyID)
		for i := range sessions {
			if sessions[i].RequesterPlayerID == a.PlayerID {
				out = &sessions[i]
				break
			}
		}
		return err
	}))
	require.NotNil(f.t, out)
	return out
}

// approved runs request plus approval for a and returns the session.
func (f *fixture) approved(a Actor, minutes *int) *store.Session {
	f.t.Helper()
	ctx := context.Background()
	req, err := f.svc.RequestAccess(ctx, lobbyID, a)
	require.NoError(f.t, err)
	sess, err := f.svc.Decide(ctx, req.Session.ID, host, true, minutes)
	require.NoError(f.t, err)
	return sess
}

func intPtr(n int) *int { return &n }

func TestHostSharedRelay_EndToEnd(t *testing.T) {
	f := newFixture(t)
	f.pack(host.UserID, ledger.PackSmall)
	ctx := context.Background()

	req, err := f.svc.RequestAccess(ctx, lobbyID, alice)
	require.NoError(t, err)
	assert.True(t, req.Created)
	assert.Equal(t, store.SessionPending, req.Session.Status)
	assert.Equal(t, host.UserID, req.Session.HostUserID)
	assert.Equal(t, base.Add(24*time.Hour), req.Session.ExpiresAt)

	again, err := f.svc.RequestAccess(ctx, lobbyID, alice)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, req.Session.ID, again.Session.ID)

	sess, err := f.svc.Decide(ctx, req.Session.ID, host, true, intPtr(30))
	require.NoError(t, err)
	assert.Equal(t, store.SessionApproved, sess.Status)
	assert.Equal(t, 30, sess.MaxMinutesGranted)

	f.now = base.Add(time.Minute)
	act, err := f.svc.Activate(ctx, lobbyID, alice)
	require.NoError(t, err)
	assert.Equal(t, ModeHost, act.Mode)
	assert.Equal(t, store.SessionActive, act.Status)
	assert.Equal(t, 30, act.MaxMinutes)
	assert.Equal(t, 3.0, act.AvailableHours)

	tick, err := f.svc.DeductTick(ctx, lobbyID, alice, 3)
	require.NoError(t, err)
	assert.Equal(t, ModeHost, tick.Mode)
	assert.InDelta(t, 0.0501, tick.DeductedHours, 1e-9)
	assert.InDelta(t, 2.9499, tick.RemainingHours, 1e-9)
	assert.False(t, tick.Ended)
	assert.InDelta(t, 2.9499, f.total(host.UserID), 1e-9)
	assert.Zero(t, f.total(alice.UserID), "the requester's ledger is untouched")
}

func TestDeductTick_Cooldown(t *testing.T) {
	f := newFixture(t)
	f.pack(host.UserID, ledger.PackSmall)
	ctx := context.Background()
	f.approved(alice, nil)
	_, err := f.svc.Activate(ctx, lobbyID, alice)
	require.NoError(t, err)

	first, err := f.svc.DeductTick(ctx, lobbyID, alice, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.0167, first.DeductedHours, 1e-9)

	f.now = base.Add(10 * time.Second)
	second, err := f.svc.DeductTick(ctx, lobbyID, alice, 1)
	require.NoError(t, err)
	assert.True(t, second.CoolingDown)
	assert.Zero(t, second.DeductedHours)
	assert.Equal(t, store.SessionActive, second.Status)
	assert.InDelta(t, first.RemainingHours, second.RemainingHours, 1e-9)

	f.now = base.Add(50 * time.Second)
	third, err := f.svc.DeductTick(ctx, lobbyID, alice, 1)
	require.NoError(t, err)
	assert.False(t, third.CoolingDown)
	assert.InDelta(t, 0.0167, third.DeductedHours, 1e-9)
}

func TestDeductTick_PartialChargeEndsSession(t *testing.T) {
	f := newFixture(t, func(c *config.RelayConfig) { c.BaseRate = 0.2 })
	f.hours(host.UserID, 0.05)
	ctx := context.Background()
	f.approved(alice, nil)

	tick, err := f.svc.DeductTick(ctx, lobbyID, alice, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, tick.DeductedHours, 1e-9)
	assert.Zero(t, tick.RemainingHours)
	assert.True(t, tick.Ended)
	assert.Equal(t, ReasonInsufficient, tick.Reason)
	assert.Equal(t, store.SessionEnded, tick.Status)

	sess := f.session(alice)
	assert.Equal(t, store.SessionEnded, sess.Status)
	assert.Equal(t, ReasonInsufficient, sess.Note)
	assert.Zero(t, f.total(host.UserID))
}

func TestDeductTick_ParticipantBilling(t *testing.T) {
	cases := []struct {
		name         string
		participants int
		deducted     float64
		reason       string
	}{
		{"below one billed as one", 0, 0.0167, ""},
		{"within cap", 4, 0.0668, ""},
		{"over cap bills the cap and ends", 9, 0.1002, ReasonParticipantCap},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.pack(host.UserID, ledger.PackSmall)
			f.approved(alice, nil)

			tick, err := f.svc.DeductTick(context.Background(), lobbyID, alice, tc.participants)
			require.NoError(t, err)
			assert.InDelta(t, tc.deducted, tick.DeductedHours, 1e-9)
			assert.Equal(t, tc.reason, tick.Reason)
			assert.Equal(t, tc.reason != "", tick.Ended)
		})
	}
}

func TestDeductTick_DurationCap(t *testing.T) {
	f := newFixture(t)
	f.pack(host.UserID, ledger.PackSmall)
	ctx := context.Background()
	f.approved(alice, intPtr(1))

	act, err := f.svc.Activate(ctx, lobbyID, alice)
	require.NoError(t, err)
	assert.Equal(t, 5, act.MaxMinutes, "grants are bounded below")

	f.now = base.Add(5 * time.Minute)
	tick, err := f.svc.DeductTick(ctx, lobbyID, alice, 2)
	require.NoError(t, err)
	assert.True(t, tick.Ended)
	assert.Equal(t, ReasonDurationCap, tick.Reason)
	assert.Zero(t, tick.DeductedHours)
	assert.Equal(t, 3.0, f.total(host.UserID))
}

func TestDeductTick_HostLeft(t *testing.T) {
	f := newFixture(t)
	f.pack(host.UserID, ledger.PackSmall)
	ctx := context.Background()
	f.approved(alice, nil)
	_, err := f.svc.Activate(ctx, lobbyID, alice)
	require.NoError(t, err)

	left := base.Add(time.Minute)
	f.st.PutPlayer(store.Player{ID: host.PlayerID, LobbyID: lobbyID, UserID: host.UserID, LeftAt: &left})
	f.now = base.Add(2 * time.Minute)

	tick, err := f.svc.DeductTick(ctx, lobbyID, alice, 2)
	require.NoError(t, err)
	assert.True(t, tick.Ended)
	assert.Equal(t, ReasonHostLeft, tick.Reason)
	assert.Equal(t, store.SessionEnded, f.session(alice).Status)
	assert.Equal(t, 3.0, f.total(host.UserID))
}

func TestBoundMinutes(t *testing.T) {
	svc := NewService(nil, nil, nil, DefaultConfig())
	assert.Equal(t, 60, svc.boundMinutes(nil))
	assert.Equal(t, 5, svc.boundMinutes(intPtr(0)))
	assert.Equal(t, 45, svc.boundMinutes(intPtr(45)))
	assert.Equal(t, 120, svc.boundMinutes(intPtr(500)))
}

func TestRequestAccess_Guards(t *testing.T) {
	cases := []struct {
		name  string
		setup func(f *fixture)
		actor Actor
		code  apperr.Code
	}{
		{"host cannot request", nil, host, apperr.InvalidRequest},
		{"unknown player", nil, Actor{PlayerID: "p-nobody"}, apperr.NotFound},
		{"account mismatch", nil, Actor{PlayerID: alice.PlayerID, UserID: "u-mallory"}, apperr.Forbidden},
		{"departed requester", func(f *fixture) {
			left := base
			f.st.PutPlayer(store.Player{ID: alice.PlayerID, LobbyID: lobbyID, UserID: alice.UserID, LeftAt: &left})
		}, alice, apperr.Forbidden},
		{"in-person lobby", func(f *fixture) {
			f.st.PutLobby(store.Lobby{ID: lobbyID, Mode: store.LobbyInPerson, Status: store.LobbyWaiting, HostPlayerID: host.PlayerID})
		}, alice, apperr.InvalidRequest},
		{"finished game", func(f *fixture) {
			f.st.PutLobby(store.Lobby{ID: lobbyID, Mode: store.LobbyVirtual, Status: store.LobbyFinished, HostPlayerID: host.PlayerID})
		}, alice, apperr.Conflict},
		{"host without account", func(f *fixture) {
			f.st.PutPlayer(store.Player{ID: host.PlayerID, LobbyID: lobbyID})
		}, alice, apperr.NotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			if tc.setup != nil {
				tc.setup(f)
			}
			_, err := f.svc.RequestAccess(context.Background(), lobbyID, tc.actor)
			assert.Equal(t, tc.code, apperr.CodeOf(err))
		})
	}

	f := newFixture(t)
	_, err := f.svc.RequestAccess(context.Background(), "lobby-missing", alice)
	assert.Equal(t, apperr.NotFound, apperr.CodeOf(err))
}

func TestRequestAccess_LobbyBusy(t *testing.T) {
	f := newFixture(t)
	f.pack(host.UserID, ledger.PackSmall)
	f.approved(alice, nil)

	_, err := f.svc.RequestAccess(context.Background(), lobbyID, bob)
	assert.Equal(t, apperr.Conflict, apperr.CodeOf(err))
}

func TestDecide_Guards(t *testing.T) {
	ctx := context.Background()

	t.Run("only the host decides", func(t *testing.T) {
		f := newFixture(t)
		f.pack(host.UserID, ledger.PackSmall)
		req, err := f.svc.RequestAccess(ctx, lobbyID, alice)
		require.NoError(t, err)

		_, err = f.svc.Decide(ctx, req.Session.ID, bob, true, nil)
		assert.Equal(t, apperr.Forbidden, apperr.CodeOf(err))
	})

	t.Run("host without hours", func(t *testing.T) {
		f := newFixture(t)
		req, err := f.svc.RequestAccess(ctx, lobbyID, alice)
		require.NoError(t, err)

		_, err = f.svc.Decide(ctx, req.Session.ID, host, true, nil)
		assert.Equal(t, apperr.InsufficientCredit, apperr.CodeOf(err))
		assert.Equal(t, store.SessionPending, f.session(alice).Status)
	})

	t.Run("deny is terminal", func(t *testing.T) {
		f := newFixture(t)
		req, err := f.svc.RequestAccess(ctx, lobbyID, alice)
		require.NoError(t, err)

		sess, err := f.svc.Decide(ctx, req.Session.ID, host, false, nil)
		require.NoError(t, err)
		assert.Equal(t, store.SessionDenied, sess.Status)
		assert.Equal(t, ReasonDeniedByHost, sess.Note)

		_, err = f.svc.Decide(ctx, req.Session.ID, host, true, nil)
		assert.Equal(t, apperr.Conflict, apperr.CodeOf(err))

		// A fresh request is allowed once the old one is closed.
		again, err := f.svc.RequestAccess(ctx, lobbyID, alice)
		require.NoError(t, err)
		assert.True(t, again.Created)
	})

	t.Run("expired request", func(t *testing.T) {
		f := newFixture(t)
		f.pack(host.UserID, ledger.PackSmall)
		req, err := f.svc.RequestAccess(ctx, lobbyID, alice)
		require.NoError(t, err)

		f.now = base.Add(25 * time.Hour)
		_, err = f.svc.Decide(ctx, req.Session.ID, host, true, nil)
		assert.Equal(t, apperr.Conflict, apperr.CodeOf(err))

		// A failed call keeps nothing; the next committed call settles it.
		open, err := f.svc.ListOpen(ctx, lobbyID, host)
		require.NoError(t, err)
		assert.Empty(t, open)
		sess := f.session(alice)
		assert.Equal(t, store.SessionDenied, sess.Status)
		assert.Equal(t, ReasonExpired, sess.Note)
	})

	t.Run("second approval conflicts", func(t *testing.T) {
		f := newFixture(t)
		f.pack(host.UserID, ledger.PackSmall)
		first, err := f.svc.RequestAccess(ctx, lobbyID, alice)
		require.NoError(t, err)
		second, err := f.svc.RequestAccess(ctx, lobbyID, bob)
		require.NoError(t, err)

		_, err = f.svc.Decide(ctx, first.Session.ID, host, true, nil)
		require.NoError(t, err)
		_, err = f.svc.Decide(ctx, second.Session.ID, host, true, nil)
		assert.Equal(t, apperr.Conflict, apperr.CodeOf(err))
	})
}

func TestActivate_ApprovalWindowLapses(t *testing.T) {
	f := newFixture(t)
	f.pack(host.UserID, ledger.PackSmall)
	f.approved(alice, nil)

	f.now = base.Add(16 * time.Minute)
	_, err := f.svc.Activate(context.Background(), lobbyID, alice)
	assert.Equal(t, apperr.InsufficientCredit, apperr.CodeOf(err))

	open, err := f.svc.ListOpen(context.Background(), lobbyID, host)
	require.NoError(t, err)
	assert.Empty(t, open)

	sess := f.session(alice)
	assert.Equal(t, store.SessionEnded, sess.Status)
	assert.Equal(t, ReasonApprovalExpired, sess.Note)
}

func TestSelfServeRelay(t *testing.T) {
	f := newFixture(t)
	f.pack(alice.UserID, ledger.PackSmall)
	ctx := context.Background()

	act, err := f.svc.Activate(ctx, lobbyID, alice)
	require.NoError(t, err)
	assert.Equal(t, ModeSelf, act.Mode)
	assert.Nil(t, act.SessionID)
	assert.Equal(t, 3.0, act.AvailableHours)

	tick, err := f.svc.DeductTick(ctx, lobbyID, alice, 2)
	require.NoError(t, err)
	assert.Equal(t, ModeSelf, tick.Mode)
	assert.InDelta(t, 0.0334, tick.DeductedHours, 1e-9)
	assert.InDelta(t, 2.9666, tick.RemainingHours, 1e-9)

	f.now = base.Add(20 * time.Second)
	tick, err = f.svc.DeductTick(ctx, lobbyID, alice, 2)
	require.NoError(t, err)
	assert.True(t, tick.CoolingDown)
	assert.Zero(t, tick.DeductedHours)

	_, err = f.svc.Activate(ctx, lobbyID, bob)
	assert.Equal(t, apperr.InsufficientCredit, apperr.CodeOf(err))
	_, err = f.svc.DeductTick(ctx, lobbyID, bob, 1)
	assert.Equal(t, apperr.InsufficientCredit, apperr.CodeOf(err))
	_, err = f.svc.DeductTick(ctx, lobbyID, guest, 1)
	assert.Equal(t, apperr.InsufficientCredit, apperr.CodeOf(err))
}

func TestCanEnable(t *testing.T) {
	f := newFixture(t)
	f.pack(host.UserID, ledger.PackSmall)
	ctx := context.Background()

	el, err := f.svc.CanEnable(ctx, lobbyID, alice)
	require.NoError(t, err)
	assert.False(t, el.CanEnable)
	assert.Nil(t, el.SessionID)

	sess := f.approved(alice, nil)
	el, err = f.svc.CanEnable(ctx, lobbyID, alice)
	require.NoError(t, err)
	assert.True(t, el.CanEnable)
	require.NotNil(t, el.SessionID)
	assert.Equal(t, sess.ID, *el.SessionID)

	el, err = f.svc.CanEnable(ctx, lobbyID, host)
	require.NoError(t, err)
	assert.True(t, el.CanEnable)
	assert.Equal(t, 3.0, el.OwnHours)

	el, err = f.svc.CanEnable(ctx, lobbyID, guest)
	require.NoError(t, err)
	assert.False(t, el.CanEnable)
}

func TestEnd(t *testing.T) {
	f := newFixture(t)
	f.pack(host.UserID, ledger.PackSmall)
	ctx := context.Background()
	f.approved(alice, nil)

	_, err := f.svc.End(ctx, lobbyID, bob)
	assert.Equal(t, apperr.NotFound, apperr.CodeOf(err))

	sess, err := f.svc.End(ctx, lobbyID, host)
	require.NoError(t, err)
	assert.Equal(t, store.SessionEnded, sess.Status)
	assert.Equal(t, ReasonEndedByHost, sess.Note)

	_, err = f.svc.End(ctx, lobbyID, alice)
	assert.Equal(t, apperr.NotFound, apperr.CodeOf(err))
}

func TestListOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.RequestAccess(ctx, lobbyID, alice)
	require.NoError(t, err)
	f.now = base.Add(time.Second)
	_, err = f.svc.RequestAccess(ctx, lobbyID, bob)
	require.NoError(t, err)

	open, err := f.svc.ListOpen(ctx, lobbyID, host)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, bob.PlayerID, open[0].RequesterPlayerID)

	_, err = f.svc.ListOpen(ctx, "lobby-missing", host)
	assert.Equal(t, apperr.NotFound, apperr.CodeOf(err))
}

func TestListOpen_MembersOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.RequestAccess(ctx, lobbyID, alice)
	require.NoError(t, err)

	open, err := f.svc.ListOpen(ctx, lobbyID, bob)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	_, err = f.svc.ListOpen(ctx, lobbyID, Actor{PlayerID: "p-stranger", UserID: "u-stranger"})
	assert.Equal(t, apperr.NotFound, apperr.CodeOf(err))

	_, err = f.svc.ListOpen(ctx, lobbyID, Actor{PlayerID: bob.PlayerID, UserID: alice.UserID})
	assert.Equal(t, apperr.Forbidden, apperr.CodeOf(err))

	_, err = f.svc.ListOpen(ctx, lobbyID, Actor{UserID: bob.UserID})
	assert.Equal(t, apperr.InvalidRequest, apperr.CodeOf(err))

	left := f.now
	f.st.PutPlayer(store.Player{ID: bob.PlayerID, LobbyID: lobbyID, UserID: bob.UserID, LeftAt: &left})
	_, err = f.svc.ListOpen(ctx, lobbyID, bob)
	assert.Equal(t, apperr.Forbidden, apperr.CodeOf(err))
}
