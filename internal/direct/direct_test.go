package direct

import (
	"context"
	"errors"
	"net/http"
	"sync"
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
	me  = "me@example.com"
	bob = "bob@example.com"
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
	srv.AddUser(me, "Me", "Myself")
	srv.AddUser(bob, "Bob", "Builder")
	srv.Befriend(me, bob)
	b := bus.New()
	sessions := session.NewMemoryStore(b, nil)
	if err := sessions.SignIn(context.Background(), srv.Token(me), me); err != nil {
		t.Fatal(err)
	}
	gw, err := transport.New(srv.URL, nil, sessions, nil)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{srv: srv, sessions: sessions, bus: b, sync: New(gw, b, nil)}
}

func contents(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestFetchFullReplace(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.srv.AddMessage(bob, me, "hi")
	f.srv.AddMessage(me, bob, "yo")

	if _, err := f.sync.Fetch(ctx, bob); err != nil {
		t.Fatal(err)
	}
	first, ok := f.sync.Snapshot(bob)
	if !ok || !equal(contents(first), []string{"yo", "hi"}) {
		t.Fatalf("first snapshot = %v", contents(first))
	}
	if !first[0].Timestamp.After(first[1].Timestamp.Time) {
		t.Error("server order should be newest first")
	}

	f.srv.AddMessage(bob, me, "new")
	if _, err := f.sync.Fetch(ctx, bob); err != nil {
		t.Fatal(err)
	}
	second, _ := f.sync.Snapshot(bob)
	if !equal(contents(second), []string{"new", "yo", "hi"}) {
		t.Errorf("second snapshot = %v, want three-element replace", contents(second))
	}
}

func TestFetchFailureKeepsSnapshot(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.srv.AddMessage(bob, me, "hi")
	if _, err := f.sync.Fetch(ctx, bob); err != nil {
		t.Fatal(err)
	}

	f.srv.AddMessage(bob, me, "lost")
	f.srv.FailOnce(apitest.RouteHistory, http.StatusServiceUnavailable, "")
	if _, err := f.sync.Fetch(ctx, bob); apierr.StatusCode(err) != http.StatusServiceUnavailable {
		t.Fatalf("err = %v, want 503", err)
	}
	got, _ := f.sync.Snapshot(bob)
	if !equal(contents(got), []string{"hi"}) {
		t.Errorf("snapshot after failure = %v", contents(got))
	}

	// Manual retry recovers.
	if _, err := f.sync.Fetch(ctx, bob); err != nil {
		t.Fatal(err)
	}
	got, _ = f.sync.Snapshot(bob)
	if len(got) != 2 {
		t.Errorf("snapshot after retry = %v", contents(got))
	}
}

func TestSendEmptyContent(t *testing.T) {
	f := setup(t)
	for _, content := range []string{"", "   ", "\n\t"} {
		_, err := f.sync.Send(context.Background(), bob, content)
		if !errors.Is(err, apierr.ErrValidationFailed) {
			t.Errorf("Send(%q) = %v, want validation failure", content, err)
		}
	}
	if f.srv.TotalCalls() != 0 {
		t.Errorf("calls = %d, want 0", f.srv.TotalCalls())
	}
}

func TestSendFetchesImmediately(t *testing.T) {
	f := setup(t)
	events, unsub := f.bus.Subscribe("direct.", 4)
	defer unsub()

	sent, err := f.sync.Send(context.Background(), bob, "  hello  ")
	if err != nil {
		t.Fatal(err)
	}
	if sent.Content != "hello" || sent.Status() != model.StatusSent {
		t.Errorf("sent = %+v", sent)
	}
	if n := f.srv.Calls(apitest.RouteHistory); n != 1 {
		t.Errorf("history calls = %d, want 1", n)
	}
	got, _ := f.sync.Snapshot(bob)
	if !equal(contents(got), []string{"hello"}) {
		t.Errorf("snapshot = %v", contents(got))
	}
	if len(events) != 1 {
		t.Errorf("events = %d, want 1", len(events))
	}
}

func TestSendNotIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	for range 2 {
		if _, err := f.sync.Send(ctx, bob, "same"); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := f.sync.Snapshot(bob)
	if !equal(contents(got), []string{"same", "same"}) {
		t.Errorf("snapshot = %v, want two messages", contents(got))
	}
}

func TestSendFailureLeavesSnapshot(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.srv.AddMessage(bob, me, "hi")
	if _, err := f.sync.Fetch(ctx, bob); err != nil {
		t.Fatal(err)
	}

	stranger := "eve@example.com"
	f.srv.AddUser(stranger, "Eve", "E")
	_, err := f.sync.Send(ctx, stranger, "hello")
	if apierr.StatusCode(err) != http.StatusForbidden {
		t.Fatalf("err = %v, want 403", err)
	}
	if apierr.UserMessage(err) != "Cannot send message. You must be friends with the recipient" {
		t.Errorf("message = %q", apierr.UserMessage(err))
	}
	got, _ := f.sync.Snapshot(bob)
	if !equal(contents(got), []string{"hi"}) {
		t.Errorf("snapshot = %v", contents(got))
	}
}

func TestSendWhilePendingBlocked(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	release := f.srv.Hold(apitest.RouteSend)

	done := make(chan error, 1)
	go func() {
		_, err := f.sync.Send(ctx, bob, "first")
		done <- err
	}()
	for !f.sync.Busy(OpSend, bob) {
		time.Sleep(time.Millisecond)
	}
	if _, err := f.sync.Send(ctx, bob, "second"); !errors.Is(err, apierr.ErrInFlight) {
		t.Errorf("second Send = %v, want ErrInFlight", err)
	}
	release()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if n := f.srv.Calls(apitest.RouteSend); n != 1 {
		t.Errorf("send calls = %d, want 1", n)
	}
}

func TestClosedViewDiscardsInflightFetch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.srv.AddMessage(bob, me, "hi")
	f.sync.Open(bob)
	release := f.srv.Hold(apitest.RouteHistory)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := f.sync.Fetch(ctx, bob); err != nil {
			t.Error(err)
		}
	}()
	for f.srv.Calls(apitest.RouteHistory) == 0 {
		time.Sleep(time.Millisecond)
	}
	f.sync.Close(bob)
	release()
	wg.Wait()

	if _, ok := f.sync.Snapshot(bob); ok {
		t.Error("result applied to a closed view")
	}
}

func TestMarkReadAndDelete(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	in := f.srv.AddMessage(bob, me, "hi")
	out := f.srv.AddMessage(me, bob, "yo")

	n, err := f.sync.UnreadCount(ctx)
	if err != nil || n != 1 {
		t.Fatalf("UnreadCount() = %d, %v", n, err)
	}

	if err := f.sync.MarkRead(ctx, out.ID); apierr.StatusCode(err) != http.StatusForbidden {
		t.Errorf("MarkRead(own message) = %v, want 403", err)
	}
	if err := f.sync.MarkRead(ctx, in.ID); err != nil {
		t.Fatal(err)
	}
	if n, _ := f.sync.UnreadCount(ctx); n != 0 {
		t.Errorf("unread after MarkRead = %d", n)
	}

	if _, err := f.sync.Fetch(ctx, bob); err != nil {
		t.Fatal(err)
	}
	got, _ := f.sync.Snapshot(bob)
	if got[1].Status() != model.StatusRead {
		t.Errorf("status = %s, want read", got[1].Status())
	}

	if err := f.sync.Delete(ctx, out.ID); err != nil {
		t.Fatal(err)
	}
	// Delete is observed only through the next fetch.
	if got, _ := f.sync.Snapshot(bob); len(got) != 2 {
		t.Error("Delete mutated the snapshot")
	}
	if _, err := f.sync.Fetch(ctx, bob); err != nil {
		t.Fatal(err)
	}
	got, _ = f.sync.Snapshot(bob)
	if !equal(contents(got), []string{"hi"}) {
		t.Errorf("snapshot after delete = %v", contents(got))
	}

	if err := f.sync.Delete(ctx, ""); !errors.Is(err, apierr.ErrValidationFailed) {
		t.Errorf("Delete(empty) = %v", err)
	}
}

func TestSignedOutMakesNoCalls(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	if err := f.sessions.SignOut(ctx); err != nil {
		t.Fatal(err)
	}

	calls := map[string]func() error{
		"Fetch":       func() error { _, err := f.sync.Fetch(ctx, bob); return err },
		"Send":        func() error { _, err := f.sync.Send(ctx, bob, "hi"); return err },
		"MarkRead":    func() error { return f.sync.MarkRead(ctx, "1") },
		"Delete":      func() error { return f.sync.Delete(ctx, "1") },
		"UnreadCount": func() error { _, err := f.sync.UnreadCount(ctx); return err },
	}
	for name, call := range calls {
		if err := call(); !errors.Is(err, apierr.ErrUnauthenticated) {
			t.Errorf("%s = %v, want ErrUnauthenticated", name, err)
		}
	}
	if f.srv.TotalCalls() != 0 {
		t.Errorf("calls = %d, want 0", f.srv.TotalCalls())
	}
}
