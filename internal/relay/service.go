package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/partyline/relaybank/internal/apperr"
	"github.com/partyline/relaybank/internal/audit"
	"github.com/partyline/relaybank/internal/config"
	"github.com/partyline/relaybank/internal/ledger"
	"github.com/partyline/relaybank/internal/metrics"
	"github.com/partyline/relaybank/internal/store"
)

// Actor identifies the lobby participant making a call. UserID, when set, must
// match the player's linked account.
type Actor struct {
	PlayerID string
	UserID   string
}

// Service runs the relay session state machine. Every public call is one
// unit of work; session changes and ledger deductions commit together.
type Service struct {
	store    store.Store
	ledger   *ledger.Ledger
	recorder *audit.Recorder
	cfg      config.RelayConfig
}

func NewService(st store.Store, l *ledger.Ledger, recorder *audit.Recorder, cfg config.RelayConfig) *Service {
	return &Service{store: st, ledger: l, recorder: recorder, cfg: cfg}
}

// outcome collects what a unit of work changed so it can be reported once the
// work has committed.
type outcome struct {
	moved    []store.Session
	renewals int
}

func (o *outcome) add(sess *store.Session) {
	o.moved = append(o.moved, *sess)
}

// RequestAccess files a PENDING request to use the host's hours. A player
// with an open request gets that request back instead of a second one.
func (s *Service) RequestAccess(ctx context.Context, lobbyID string, actor Actor) (*RequestResult, error) {
	if lobbyID == "" || actor.PlayerID == "" {
		return nil, apperr.New(apperr.InvalidRequest, "lobby id and player id are required")
	}
	now := s.ledger.Now()

	var (
		res *RequestResult
		out outcome
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		out = outcome{}
		lobby, err := s.lobby(ctx, tx, lobbyID)
		if err != nil {
			return err
		}
		requester, err := s.player(ctx, tx, lobbyID, actor)
		if err != nil {
			return err
		}
		if requester.ID == lobby.HostPlayerID {
			return apperr.New(apperr.InvalidRequest, "the host relays on their own hours")
		}
		host, err := s.host(ctx, tx, lobby)
		if err != nil {
			return err
		}

		open, err := s.settleStale(ctx, tx, lobbyID, now, &out)
		if err != nil {
			return err
		}
		for i := range open {
			if open[i].RequesterPlayerID == requester.ID {
				res = &RequestResult{Session: &open[i]}
				return nil
			}
		}
		if busy(open, uuid.Nil) {
			return apperr.New(apperr.Conflict, "another relay session is already in progress in this lobby")
		}

		sess := &store.Session{
			LobbyID:           lobbyID,
			RequesterPlayerID: requester.ID,
			RequesterUserID:   requester.UserID,
			HostPlayerID:      host.ID,
			HostUserID:        host.UserID,
			Status:            store.SessionPending,
			BaseRate:          s.cfg.BaseRate,
			ExpiresAt:         now.Add(s.cfg.RequestTTL),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.InsertSession(ctx, sess); err != nil {
			return err
		}
		out.add(sess)
		res = &RequestResult{Session: sess, Created: true}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("requesting relay access: %w", err)
	}

	s.report(ctx, &out)
	return res, nil
}

// Decide approves or denies a PENDING request. Only the recorded host may
// decide, and approval needs hours on the host's ledger and a free lobby.
func (s *Service) Decide(ctx context.Context, requestID uuid.UUID, actor Actor, approve bool, maxMinutes *int) (*store.Session, error) {
	now := s.ledger.Now()

	var (
		sess *store.Session
		out  outcome
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		out = outcome{}
		var err error
		if sess, err = tx.GetSession(ctx, requestID); err != nil {
			return err
		}
		if sess == nil {
			return apperr.Newf(apperr.NotFound, "relay request %s not found", requestID)
		}
		if sess.HostPlayerID != actor.PlayerID {
			return apperr.New(apperr.Forbidden, "only the lobby host can decide this request")
		}
		if _, err := s.player(ctx, tx, sess.LobbyID, actor); err != nil {
			return err
		}

		open, err := s.settleStale(ctx, tx, sess.LobbyID, now, &out)
		if err != nil {
			return err
		}
		if sess, err = tx.GetSession(ctx, requestID); err != nil {
			return err
		}
		if sess.Status != store.SessionPending {
			return apperr.Newf(apperr.Conflict, "relay request is already %s", sess.Status)
		}

		if !approve {
			return s.move(ctx, tx, sess, store.SessionDenied, ReasonDeniedByHost, now, &out)
		}

		summary, err := s.balance(ctx, s.ledger.In(tx), sess.HostUserID, now, &out)
		if err != nil {
			return err
		}
		if summary.TotalAvailableHours <= 0 {
			return apperr.New(apperr.InsufficientCredit, "host has no relay hours left")
		}
		if busy(open, sess.ID) {
			return apperr.New(apperr.Conflict, "another relay session is already in progress in this lobby")
		}

		sess.MaxMinutesGranted = s.boundMinutes(maxMinutes)
		sess.ExpiresAt = now.Add(s.cfg.ActivationWindow)
		return s.move(ctx, tx, sess, store.SessionApproved, "", now, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("deciding relay request: %w", err)
	}

	s.report(ctx, &out)
	return sess, nil
}

// Activate starts the caller's approved session. Without one, a caller with
// hours of their own is cleared to relay in self-serve mode.
func (s *Service) Activate(ctx context.Context, lobbyID string, actor Actor) (*ActivationResult, error) {
	now := s.ledger.Now()

	var (
		res *ActivationResult
		out outcome
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		out = outcome{}
		if _, err := s.lobby(ctx, tx, lobbyID); err != nil {
			return err
		}
		player, err := s.player(ctx, tx, lobbyID, actor)
		if err != nil {
			return err
		}
		open, err := s.settleStale(ctx, tx, lobbyID, now, &out)
		if err != nil {
			return err
		}
		book := s.ledger.In(tx)

		if sess := ownSession(open, player.ID); sess != nil {
			if sess.Status == store.SessionApproved {
				sess.StartedAt = &now
				if err := s.move(ctx, tx, sess, store.SessionActive, "", now, &out); err != nil {
					return err
				}
			}
			summary, err := book.RecomputeSummary(ctx, sess.HostUserID, now)
			if err != nil {
				return err
			}
			id := sess.ID
			res = &ActivationResult{
				Mode:           ModeHost,
				SessionID:      &id,
				Status:         sess.Status,
				HostPlayerID:   sess.HostPlayerID,
				MaxMinutes:     s.durationCapMinutes(sess),
				StartedAt:      sess.StartedAt,
				BaseRate:       sess.BaseRate,
				AvailableHours: summary.TotalAvailableHours,
			}
			return nil
		}

		if player.UserID == "" {
			return apperr.New(apperr.InsufficientCredit, "no relay hours available; ask the host to share theirs")
		}
		summary, err := s.balance(ctx, book, player.UserID, now, &out)
		if err != nil {
			return err
		}
		if summary.TotalAvailableHours <= 0 {
			return apperr.New(apperr.InsufficientCredit, "no relay hours available; ask the host to share theirs")
		}
		res = &ActivationResult{
			Mode:           ModeSelf,
			BaseRate:       s.cfg.BaseRate,
			AvailableHours: summary.TotalAvailableHours,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("activating relay: %w", err)
	}

	s.report(ctx, &out)
	return res, nil
}

// DeductTick meters one relay tick. Ticks inside the cooldown deduct nothing.
// With an approved or active session the host's ledger pays; otherwise the
// caller's own ledger does.
func (s *Service) DeductTick(ctx context.Context, lobbyID string, actor Actor, participants int) (*TickResult, error) {
	now := s.ledger.Now()

	var (
		res *TickResult
		out outcome
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		out = outcome{}
		player, err := s.player(ctx, tx, lobbyID, actor)
		if err != nil {
			return err
		}
		sessions, err := tx.ListSessions(ctx, lobbyID, store.SessionApproved, store.SessionActive)
		if err != nil {
			return err
		}
		if sess := ownSession(sessions, player.ID); sess != nil {
			res, err = s.hostTick(ctx, tx, sess, participants, now, &out)
			return err
		}
		if _, err := s.lobby(ctx, tx, lobbyID); err != nil {
			return err
		}
		res, err = s.selfTick(ctx, tx, player, participants, now)
		return err
	})
	if err != nil {
		metrics.RelayTicksTotal.WithLabelValues("unknown", "error").Inc()
		return nil, fmt.Errorf("deducting relay tick: %w", err)
	}

	label := "charged"
	switch {
	case res.Ended:
		label = "ended"
	case res.CoolingDown:
		label = "cooldown"
	}
	metrics.RelayTicksTotal.WithLabelValues(string(res.Mode), label).Inc()
	metrics.HoursConsumedTotal.Add(res.DeductedHours)
	s.report(ctx, &out)
	return res, nil
}

func (s *Service) hostTick(ctx context.Context, tx store.Tx, sess *store.Session, participants int, now time.Time, out *outcome) (*TickResult, error) {
	id := sess.ID
	ended := func(reason string) *TickResult {
		return &TickResult{Mode: ModeHost, SessionID: &id, Status: sess.Status, Ended: true, Reason: reason}
	}

	if status, reason := s.staleReason(sess, now); reason != "" {
		if err := s.move(ctx, tx, sess, status, reason, now, out); err != nil {
			return nil, err
		}
		return ended(reason), nil
	}
	host, err := tx.GetPlayer(ctx, sess.LobbyID, sess.HostPlayerID)
	if err != nil {
		return nil, err
	}
	if host == nil || host.Departed() {
		if err := s.move(ctx, tx, sess, store.SessionEnded, ReasonHostLeft, now, out); err != nil {
			return nil, err
		}
		return ended(ReasonHostLeft), nil
	}

	book := s.ledger.In(tx)
	if sess.LastDeductedAt != nil && now.Sub(*sess.LastDeductedAt) < s.cfg.TickCooldown {
		summary, err := book.RecomputeSummary(ctx, sess.HostUserID, now)
		if err != nil {
			return nil, err
		}
		return &TickResult{
			Mode: ModeHost, SessionID: &id, Status: sess.Status,
			CoolingDown: true, RemainingHours: summary.TotalAvailableHours,
		}, nil
	}

	billed := max(participants, 1)
	used, err := book.ConsumeOldestFirst(ctx, sess.HostUserID, s.cost(billed, sess.BaseRate), now)
	if err != nil {
		return nil, err
	}

	prev := sess.Status
	sess.ActiveVideoParticipants = billed
	sess.LastDeductedAt = &now
	if sess.StartedAt == nil {
		sess.StartedAt = &now
	}
	sess.Status = store.SessionActive
	reason := endReason(used, participants, s.cfg.MaxParticipants)
	if reason != "" {
		sess.Status = store.SessionEnded
		sess.Note = reason
	}
	sess.UpdatedAt = now
	if err := tx.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	if sess.Status != prev {
		out.add(sess)
	}

	summary, err := book.RecomputeSummary(ctx, sess.HostUserID, now)
	if err != nil {
		return nil, err
	}
	return &TickResult{
		Mode:           ModeHost,
		SessionID:      &id,
		Status:         sess.Status,
		DeductedHours:  used.Consumed,
		RemainingHours: summary.TotalAvailableHours,
		Ended:          reason != "",
		Reason:         reason,
	}, nil
}

func (s *Service) selfTick(ctx context.Context, tx store.Tx, player *store.Player, participants int, now time.Time) (*TickResult, error) {
	if player.UserID == "" {
		return nil, apperr.New(apperr.InsufficientCredit, "no relay hours available")
	}
	book := s.ledger.In(tx)

	meter, err := tx.GetSelfMeter(ctx, player.LobbyID, player.ID)
	if err != nil {
		return nil, err
	}
	if meter != nil && now.Sub(meter.LastDeductedAt) < s.cfg.TickCooldown {
		summary, err := book.RecomputeSummary(ctx, player.UserID, now)
		if err != nil {
			return nil, err
		}
		return &TickResult{Mode: ModeSelf, CoolingDown: true, RemainingHours: summary.TotalAvailableHours}, nil
	}

	billed := max(participants, 1)
	used, err := book.ConsumeOldestFirst(ctx, player.UserID, s.cost(billed, s.cfg.BaseRate), now)
	if err != nil {
		return nil, err
	}
	if used.Consumed == 0 && used.Leftover > 0 {
		return nil, apperr.New(apperr.InsufficientCredit, "no relay hours available")
	}
	if err := tx.UpsertSelfMeter(ctx, &store.SelfMeter{
		LobbyID:        player.LobbyID,
		PlayerID:       player.ID,
		UserID:         player.UserID,
		LastDeductedAt: now,
	}); err != nil {
		return nil, err
	}

	summary, err := book.RecomputeSummary(ctx, player.UserID, now)
	if err != nil {
		return nil, err
	}
	reason := endReason(used, participants, s.cfg.MaxParticipants)
	return &TickResult{
		Mode:           ModeSelf,
		DeductedHours:  used.Consumed,
		RemainingHours: summary.TotalAvailableHours,
		Ended:          reason != "",
		Reason:         reason,
	}, nil
}

// CanEnable reports whether the player may turn relay on: either through
// their own hours or through an approved or active session.
func (s *Service) CanEnable(ctx context.Context, lobbyID string, actor Actor) (*Eligibility, error) {
	now := s.ledger.Now()

	var (
		el  Eligibility
		out outcome
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		out = outcome{}
		el = Eligibility{}
		player, err := s.player(ctx, tx, lobbyID, actor)
		if err != nil {
			return err
		}
		open, err := s.settleStale(ctx, tx, lobbyID, now, &out)
		if err != nil {
			return err
		}
		if sess := ownSession(open, player.ID); sess != nil {
			id := sess.ID
			el.SessionID = &id
			el.CanEnable = true
		}
		if player.UserID == "" {
			return nil
		}
		summary, err := s.balance(ctx, s.ledger.In(tx), player.UserID, now, &out)
		if err != nil {
			return err
		}
		el.OwnHours = summary.TotalAvailableHours
		if el.OwnHours > 0 {
			el.CanEnable = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("checking relay eligibility: %w", err)
	}

	s.report(ctx, &out)
	return &el, nil
}

// End stops the approved or active session the caller takes part in, as
// requester or host.
func (s *Service) End(ctx context.Context, lobbyID string, actor Actor) (*store.Session, error) {
	now := s.ledger.Now()

	var (
		ended *store.Session
		out   outcome
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		out = outcome{}
		if _, err := s.player(ctx, tx, lobbyID, actor); err != nil {
			return err
		}
		open, err := s.settleStale(ctx, tx, lobbyID, now, &out)
		if err != nil {
			return err
		}
		for i := range open {
			sess := &open[i]
			if sess.Status != store.SessionApproved && sess.Status != store.SessionActive {
				continue
			}
			var reason string
			switch actor.PlayerID {
			case sess.RequesterPlayerID:
				reason = ReasonEndedByRequester
			case sess.HostPlayerID:
				reason = ReasonEndedByHost
			default:
				continue
			}
			ended = sess
			return s.move(ctx, tx, sess, store.SessionEnded, reason, now, &out)
		}
		return apperr.New(apperr.NotFound, "no relay session in progress for this player")
	})
	if err != nil {
		return nil, fmt.Errorf("ending relay session: %w", err)
	}

	s.report(ctx, &out)
	return ended, nil
}

// ListOpen returns the lobby's non-terminal sessions, newest first. Only
// players still in the lobby may list them.
func (s *Service) ListOpen(ctx context.Context, lobbyID string, actor Actor) ([]store.Session, error) {
	now := s.ledger.Now()

	var (
		open []store.Session
		out  outcome
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		out = outcome{}
		lobby, err := tx.GetLobby(ctx, lobbyID)
		if err != nil {
			return err
		}
		if lobby == nil {
			return apperr.Newf(apperr.NotFound, "lobby %s not found", lobbyID)
		}
		if _, err := s.player(ctx, tx, lobbyID, actor); err != nil {
			return err
		}
		open, err = s.settleStale(ctx, tx, lobbyID, now, &out)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing relay sessions: %w", err)
	}

	s.report(ctx, &out)
	return open, nil
}

// settleStale closes sessions whose deadline has passed and returns the ones
// still open.
func (s *Service) settleStale(ctx context.Context, tx store.Tx, lobbyID string, now time.Time, out *outcome) ([]store.Session, error) {
	sessions, err := tx.ListSessions(ctx, lobbyID, store.SessionPending, store.SessionApproved, store.SessionActive)
	if err != nil {
		return nil, err
	}
	open := make([]store.Session, 0, len(sessions))
	for i := range sessions {
		sess := &sessions[i]
		status, reason := s.staleReason(sess, now)
		if reason == "" {
			open = append(open, *sess)
			continue
		}
		if err := s.move(ctx, tx, sess, status, reason, now, out); err != nil {
			return nil, err
		}
	}
	return open, nil
}

func (s *Service) staleReason(sess *store.Session, now time.Time) (store.SessionStatus, string) {
	switch sess.Status {
	case store.SessionPending:
		if now.After(sess.ExpiresAt) {
			return store.SessionDenied, ReasonExpired
		}
	case store.SessionApproved:
		if now.After(sess.ExpiresAt) {
			return store.SessionEnded, ReasonApprovalExpired
		}
	case store.SessionActive:
		limit := time.Duration(s.durationCapMinutes(sess)) * time.Minute
		if sess.StartedAt != nil && now.Sub(*sess.StartedAt) >= limit {
			return store.SessionEnded, ReasonDurationCap
		}
	}
	return "", ""
}

func (s *Service) move(ctx context.Context, tx store.Tx, sess *store.Session, status store.SessionStatus, note string, now time.Time, out *outcome) error {
	sess.Status = status
	if note != "" {
		sess.Note = note
	}
	sess.UpdatedAt = now
	if err := tx.UpdateSession(ctx, sess); err != nil {
		return err
	}
	out.add(sess)
	return nil
}

func (s *Service) balance(ctx context.Context, book *ledger.Book, userID string, now time.Time, out *outcome) (*ledger.Summary, error) {
	cycles, err := book.RunRenewalIfDue(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	out.renewals += cycles
	return book.RecomputeSummary(ctx, userID, now)
}

func (s *Service) lobby(ctx context.Context, tx store.Tx, lobbyID string) (*store.Lobby, error) {
	lobby, err := tx.GetLobby(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	if lobby == nil {
		return nil, apperr.Newf(apperr.NotFound, "lobby %s not found", lobbyID)
	}
	if lobby.Mode != store.LobbyVirtual {
		return nil, apperr.New(apperr.InvalidRequest, "relay is only available in virtual lobbies")
	}
	if !lobby.Active() {
		return nil, apperr.New(apperr.Conflict, "the lobby's game has finished")
	}
	return lobby, nil
}

func (s *Service) player(ctx context.Context, tx store.Tx, lobbyID string, actor Actor) (*store.Player, error) {
	if actor.PlayerID == "" {
		return nil, apperr.New(apperr.InvalidRequest, "player id is required")
	}
	p, err := tx.GetPlayer(ctx, lobbyID, actor.PlayerID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperr.Newf(apperr.NotFound, "player %s is not in this lobby", actor.PlayerID)
	}
	if actor.UserID != "" && p.UserID != actor.UserID {
		return nil, apperr.Newf(apperr.Forbidden, "player %s belongs to another account", actor.PlayerID)
	}
	if p.Departed() {
		return nil, apperr.Newf(apperr.Forbidden, "player %s has left the lobby", actor.PlayerID)
	}
	return p, nil
}

func (s *Service) host(ctx context.Context, tx store.Tx, lobby *store.Lobby) (*store.Player, error) {
	if lobby.HostPlayerID == "" {
		return nil, apperr.New(apperr.NotFound, "lobby has no host")
	}
	host, err := tx.GetPlayer(ctx, lobby.ID, lobby.HostPlayerID)
	if err != nil {
		return nil, err
	}
	if host == nil || host.Departed() {
		return nil, apperr.New(apperr.NotFound, "lobby host is not present")
	}
	if host.UserID == "" {
		return nil, apperr.New(apperr.NotFound, "lobby host has no account to bill")
	}
	return host, nil
}

func (s *Service) boundMinutes(requested *int) int {
	if requested == nil {
		return s.cfg.DefaultMinutes
	}
	return max(s.cfg.MinMinutes, min(*requested, s.cfg.MaxMinutes))
}

func (s *Service) durationCapMinutes(sess *store.Session) int {
	return min(sess.MaxMinutesGranted, s.cfg.HardCapMinutes)
}

func (s *Service) cost(billed int, rate float64) float64 {
	return float64(min(billed, s.cfg.MaxParticipants)) * rate
}

func endReason(used ledger.ConsumeResult, participants, maxParticipants int) string {
	switch {
	case used.Leftover > 0:
		return ReasonInsufficient
	case participants > maxParticipants:
		return ReasonParticipantCap
	}
	return ""
}

// ownSession returns the approved or active session requested by playerID.
func ownSession(sessions []store.Session, playerID string) *store.Session {
	for i := range sessions {
		sess := &sessions[i]
		if sess.RequesterPlayerID != playerID {
			continue
		}
		if sess.Status == store.SessionApproved || sess.Status == store.SessionActive {
			return sess
		}
	}
	return nil
}

// busy reports whether a session other than except holds the lobby's relay.
func busy(sessions []store.Session, except uuid.UUID) bool {
	for _, sess := range sessions {
		if sess.ID == except {
			continue
		}
		if sess.Status == store.SessionApproved || sess.Status == store.SessionActive {
			return true
		}
	}
	return false
}

var transitionEvents = map[store.SessionStatus]string{
	store.SessionPending:  audit.EventRelayRequested,
	store.SessionApproved: audit.EventRelayApproved,
	store.SessionActive:   audit.EventRelayActivated,
	store.SessionDenied:   audit.EventRelayDenied,
	store.SessionEnded:    audit.EventRelayEnded,
}

func (s *Service) report(ctx context.Context, out *outcome) {
	if out.renewals > 0 {
		metrics.RenewalsGrantedTotal.Add(float64(out.renewals))
	}
	for _, sess := range out.moved {
		metrics.SessionTransitionsTotal.WithLabelValues(string(sess.Status)).Inc()
		slog.Info("relay session transition",
			"session_id", sess.ID,
			"lobby_id", sess.LobbyID,
			"status", sess.Status,
			"note", sess.Note,
		)

		details := fmt.Sprintf("lobby %s requested by %s", sess.LobbyID, sess.RequesterPlayerID)
		if sess.Note != "" {
			details += ": " + sess.Note
		}
		severity := "info"
		if sess.Note == ReasonInsufficient || sess.Note == ReasonHostLeft {
			severity = "warning"
		}
		event := transitionEvents[sess.Status]
		s.recorder.Record(ctx, sess.HostUserID, event, severity, "relay_session", sess.ID.String(), details)
		if sess.RequesterUserID != "" && sess.RequesterUserID != sess.HostUserID {
			s.recorder.Record(ctx, sess.RequesterUserID, event, severity, "relay_session", sess.ID.String(), details)
		}
	}
}
