// Package friends mirrors the accepted-friends list and the incoming
// friend-request queue of the signed-in user.
package friends

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/matheus3301/howudoin/internal/apierr"
	"github.com/matheus3301/howudoin/internal/bus"
	"github.com/matheus3301/howudoin/internal/inflight"
	"github.com/matheus3301/howudoin/internal/logging"
	"github.com/matheus3301/howudoin/internal/model"
	"github.com/matheus3301/howudoin/internal/session"
	"github.com/matheus3301/howudoin/internal/snapshot"
	"github.com/matheus3301/howudoin/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Operation names for Busy.
const (
	OpSendRequest   = "friends.add"
	OpAcceptRequest = "friends.accept"
)

// Gateway sends requests to the service.
type Gateway interface {
	Do(ctx context.Context, c transport.Call, out any) error
}

// Sessions exposes the signed-in identity.
type Sessions interface {
	Current() session.Session
}

// Snapshot is the friend graph as of the last successful Refresh.
type Snapshot struct {
	Friends []model.Friend
	Pending []model.FriendRequest
}

func (s Snapshot) clone() Snapshot {
	return Snapshot{Friends: slices.Clone(s.Friends), Pending: slices.Clone(s.Pending)}
}

// Synchronizer owns the friend graph snapshot.
type Synchronizer struct {
	gw       Gateway
	sessions Sessions
	bus      *bus.Bus
	logger   *zap.Logger
	snap     *snapshot.Value[Snapshot]
	guard    inflight.Guard
}

// New creates a synchronizer with an empty snapshot.
func New(gw Gateway, sessions Sessions, b *bus.Bus, logger *zap.Logger) *Synchronizer {
	return &Synchronizer{
		gw:       gw,
		sessions: sessions,
		bus:      b,
		logger:   logging.OrNop(logger),
		snap:     snapshot.NewValue(Snapshot.clone),
	}
}

// Refresh fetches friends and pending requests concurrently. The snapshot is
// replaced only when both calls succeed; otherwise the first error is
// returned and the previous snapshot is kept.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	identity := s.sessions.Current().Identity

	var (
		friends  []model.Friend
		requests []model.FriendRequest
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.gw.Do(gctx, transport.Call{Method: http.MethodGet, Path: "/friends"}, &friends)
	})
	g.Go(func() error {
		return s.gw.Do(gctx, transport.Call{Method: http.MethodGet, Path: "/friends/pending"}, &requests)
	})
	if err := g.Wait(); err != nil {
		s.logger.Debug("friend refresh failed", zap.Error(err))
		return err
	}

	next := Snapshot{Friends: friends, Pending: incoming(requests, identity)}
	if next.Friends == nil {
		next.Friends = []model.Friend{}
	}
	s.snap.Set(next)
	s.logger.Debug("friends refreshed",
		zap.Int("friends", len(next.Friends)), zap.Int("pending", len(next.Pending)))
	s.bus.Emit(bus.FriendsRefreshed, next.clone())
	return nil
}

// incoming keeps the requests addressed to identity that can still be
// answered, in server order.
func incoming(requests []model.FriendRequest, identity string) []model.FriendRequest {
	out := make([]model.FriendRequest, 0, len(requests))
	for _, r := range requests {
		if r.Status.CanTransition(model.RequestAccepted) && strings.EqualFold(r.ReceiverID, identity) {
			out = append(out, r)
		}
	}
	return out
}

// Snapshot returns a copy of the friend graph. ok is false before the first
// successful Refresh.
func (s *Synchronizer) Snapshot() (snap Snapshot, ok bool) {
	snap, version := s.snap.Get()
	return snap, version > 0
}

// Friends returns the accepted friends as of the last Refresh.
func (s *Synchronizer) Friends() []model.Friend {
	snap, _ := s.snap.Get()
	return snap.Friends
}

// Pending returns the incoming pending requests as of the last Refresh.
func (s *Synchronizer) Pending() []model.FriendRequest {
	snap, _ := s.snap.Get()
	return snap.Pending
}

// SendRequest asks the service to send a friend request to email. The
// snapshot is not touched; Refresh to observe the effect.
func (s *Synchronizer) SendRequest(ctx context.Context, email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", apierr.Invalid("email", "Please enter an email address")
	}
	return s.mutate(ctx, OpSendRequest, email, "/friends/add")
}

// AcceptRequest accepts the pending request sent by requester. Like
// SendRequest it does not touch the snapshot.
func (s *Synchronizer) AcceptRequest(ctx context.Context, requester string) (string, error) {
	requester = strings.TrimSpace(requester)
	if requester == "" {
		return "", apierr.Invalid("email", "Please choose a request to accept")
	}
	return s.mutate(ctx, OpAcceptRequest, requester, "/friends/accept")
}

// DeclineRequest is a placeholder: the service has no decline endpoint, so
// the request stays pending and nothing is sent.
func (s *Synchronizer) DeclineRequest(_ context.Context, requester string) error {
	if !s.sessions.Current().Authenticated() {
		return apierr.ErrUnauthenticated
	}
	requester = strings.TrimSpace(requester)
	if requester == "" {
		return apierr.Invalid("email", "Please choose a request to decline")
	}
	s.logger.Info("decline not supported by the service, request left pending",
		zap.String("requester", requester))
	return nil
}

func (s *Synchronizer) mutate(ctx context.Context, op, email, path string) (string, error) {
	slot, err := s.guard.Acquire(inflight.Key(op, email))
	if err != nil {
		return "", err
	}
	defer slot.Release()

	var resp struct {
		Message string `json:"message"`
	}
	if err := s.gw.Do(ctx, transport.Call{
		Method: http.MethodPost,
		Path:   path,
		Body:   map[string]string{"email": email},
	}, &resp); err != nil {
		return "", err
	}
	s.logger.Info("friend request updated", zap.String("op", op), zap.String("email", email))
	return resp.Message, nil
}

// Busy reports whether op on email is pending.
func (s *Synchronizer) Busy(op, email string) bool {
	return s.guard.Busy(inflight.Key(op, strings.TrimSpace(email)))
}
