package friends

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/matheus3301/howudoin/internal/apierr"
	"github.com/matheus3301/howudoin/internal/apitest"
	"github.com/matheus3301/howudoin/internal/bus"
	"github.com/matheus3301/howudoin/internal/model"
	"github.com/matheus3301/howudoin/internal/session"
	"github.com/matheus3301/howudoin/internal/transport"
)

const (
	me    = "me@example.com"
	alice = "alice@example.com"
	bob   = "bob@example.com"
)

type fixture struct {
	srv      *apitest.Server
	sessions *session.Store
	bus      *bus.Bus
	sync     *Synchronizer
}

func setup(t *testing.T) *fixture {
	t.Helper()
	srv := apitest.NewServer(t)
	for _, u := range []string{me, alice, bob} {
		srv.AddUser(u, "First", "Last")
	}
	b := bus.New()
	sessions := session.NewMemoryStore(b, nil)
	if err := sessions.SignIn(context.Background(), srv.Token(me), me); err != nil {
		t.Fatal(err)
	}
	gw, err := transport.New(srv.URL, nil, sessions, nil)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{srv: srv, sessions: sessions, bus: b, sync: New(gw, sessions, b, nil)}
}

func emails(friends []model.Friend) []string {
	out := make([]string, len(friends))
	for i, f := range friends {
		out[i] = f.Email
	}
	return out
}

func TestRefresh(t *testing.T) {
	f := setup(t)
	f.srv.Befriend(me, bob)
	f.srv.AddRequest(alice, me)
	f.srv.AddRequest(me, bob) // outgoing, not surfaced
	events, unsub := f.bus.Subscribe("friends.", 4)
	defer unsub()

	if err := f.sync.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := emails(f.sync.Friends()); len(got) != 1 || got[0] != bob {
		t.Errorf("friends = %v", got)
	}
	pending := f.sync.Pending()
	if len(pending) != 1 || pending[0].SenderID != alice || pending[0].Status != model.RequestPending {
		t.Errorf("pending = %+v", pending)
	}
	if f.srv.Calls(apitest.RouteFriends) != 1 || f.srv.Calls(apitest.RouteFriendsPending) != 1 {
		t.Errorf("calls = %d/%d", f.srv.Calls(apitest.RouteFriends), f.srv.Calls(apitest.RouteFriendsPending))
	}
	select {
	case ev := <-events:
		if ev.Kind != bus.FriendsRefreshed {
			t.Errorf("event = %s", ev.Kind)
		}
	default:
		t.Error("no friends.refreshed event")
	}
}

func TestRefreshAllOrNothing(t *testing.T) {
	tests := []struct {
		name  string
		route string
	}{
		{"friends fails", apitest.RouteFriends},
		{"pending fails", apitest.RouteFriendsPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			f.srv.Befriend(me, bob)
			if err := f.sync.Refresh(context.Background()); err != nil {
				t.Fatal(err)
			}

			f.srv.Befriend(me, alice)
			f.srv.Fail(tt.route, http.StatusInternalServerError, "boom")
			err := f.sync.Refresh(context.Background())
			if apierr.StatusCode(err) != http.StatusInternalServerError {
				t.Fatalf("err = %v, want 500", err)
			}
			if got := emails(f.sync.Friends()); len(got) != 1 || got[0] != bob {
				t.Errorf("snapshot changed on failure: %v", got)
			}
		})
	}
}

func TestAcceptThenRefresh(t *testing.T) {
	f := setup(t)
	f.srv.AddRequest(alice, me)
	ctx := context.Background()
	if err := f.sync.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := f.sync.AcceptRequest(ctx, alice); err != nil {
		t.Fatal(err)
	}
	// Accept alone does not touch the local snapshot.
	if p := f.sync.Pending(); len(p) != 1 || p[0].SenderID != alice {
		t.Errorf("pending mutated by accept: %+v", p)
	}
	if len(f.sync.Friends()) != 0 {
		t.Error("friends mutated by accept")
	}

	if err := f.sync.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if p := f.sync.Pending(); len(p) != 0 {
		t.Errorf("alice still pending: %+v", p)
	}
	if got := emails(f.sync.Friends()); len(got) != 1 || got[0] != alice {
		t.Errorf("friends = %v, want [alice]", got)
	}
}

func TestSendRequest(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	msg, err := f.sync.SendRequest(ctx, "  "+bob+" ")
	if err != nil {
		t.Fatal(err)
	}
	if msg != "Friend request sent successfully" {
		t.Errorf("message = %q", msg)
	}

	tests := []struct {
		target string
		status int
		msg    string
	}{
		{bob, http.StatusBadRequest, "Friend request already sent"},
		{me, http.StatusBadRequest, "Cannot send friend request to yourself"},
		{"ghost@example.com", http.StatusNotFound, "User not found"},
	}
	for _, tt := range tests {
		_, err := f.sync.SendRequest(ctx, tt.target)
		var rf *apierr.RequestFailedError
		if !errors.As(err, &rf) || rf.StatusCode != tt.status || rf.Message != tt.msg {
			t.Errorf("SendRequest(%s) = %v, want %d %q", tt.target, err, tt.status, tt.msg)
		}
	}
}

func TestValidationBeforeNetwork(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	if _, err := f.sync.SendRequest(ctx, "   "); !errors.Is(err, apierr.ErrValidationFailed) {
		t.Errorf("SendRequest(blank) = %v", err)
	}
	if _, err := f.sync.AcceptRequest(ctx, ""); !errors.Is(err, apierr.ErrValidationFailed) {
		t.Errorf("AcceptRequest(empty) = %v", err)
	}
	if f.srv.TotalCalls() != 0 {
		t.Errorf("calls = %d, want 0", f.srv.TotalCalls())
	}
}

func TestDeclineIsLocalNoop(t *testing.T) {
	f := setup(t)
	f.srv.AddRequest(alice, me)
	ctx := context.Background()

	if err := f.sync.DeclineRequest(ctx, alice); err != nil {
		t.Fatal(err)
	}
	if f.srv.TotalCalls() != 0 {
		t.Error("decline reached the network")
	}
	if err := f.sync.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if len(f.sync.Pending()) != 1 {
		t.Error("declined request should remain pending")
	}
}

func TestDuplicateSubmissionBlocked(t *testing.T) {
	f := setup(t)
	release := f.srv.Hold(apitest.RouteFriendAdd)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.sync.SendRequest(ctx, bob)
		done <- err
	}()
	for !f.sync.Busy(OpSendRequest, bob) {
		time.Sleep(time.Millisecond)
	}

	if _, err := f.sync.SendRequest(ctx, bob); !errors.Is(err, apierr.ErrInFlight) {
		t.Errorf("duplicate SendRequest = %v, want ErrInFlight", err)
	}
	release()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if f.sync.Busy(OpSendRequest, bob) {
		t.Error("still busy after completion")
	}
	if n := f.srv.Calls(apitest.RouteFriendAdd); n != 1 {
		t.Errorf("add calls = %d, want 1", n)
	}
}

func TestSignedOutMakesNoCalls(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	if err := f.sessions.SignOut(ctx); err != nil {
		t.Fatal(err)
	}

	if err := f.sync.Refresh(ctx); !errors.Is(err, apierr.ErrUnauthenticated) {
		t.Errorf("Refresh = %v", err)
	}
	if _, err := f.sync.SendRequest(ctx, bob); !errors.Is(err, apierr.ErrUnauthenticated) {
		t.Errorf("SendRequest = %v", err)
	}
	if _, err := f.sync.AcceptRequest(ctx, alice); !errors.Is(err, apierr.ErrUnauthenticated) {
		t.Errorf("AcceptRequest = %v", err)
	}
	if err := f.sync.DeclineRequest(ctx, alice); !errors.Is(err, apierr.ErrUnauthenticated) {
		t.Errorf("DeclineRequest = %v", err)
	}
	if f.srv.TotalCalls() != 0 {
		t.Errorf("calls = %d, want 0", f.srv.TotalCalls())
	}
}

func TestIncomingKeepsAnswerableRequests(t *testing.T) {
	requests := []model.FriendRequest{
		{ID: "1", SenderID: alice, ReceiverID: "ME@example.com", Status: model.RequestPending},
		{ID: "2", SenderID: bob, ReceiverID: me, Status: model.RequestAccepted},
		{ID: "3", SenderID: bob, ReceiverID: me, Status: model.RequestRejected},
		{ID: "4", SenderID: me, ReceiverID: bob, Status: model.RequestPending},
	}
	got := incoming(requests, me)
	if len(got) != 1 || got[0].ID != "1" {
		t.Errorf("incoming = %+v, want only request 1", got)
	}
}
