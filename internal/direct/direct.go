// Package direct mirrors one-to-one conversations.
//
// Every fetch replaces the conversation snapshot in full with the server's
// history, preserved in server order (newest first). Mutations never touch
// the snapshot; their effect becomes visible on the next fetch.
package direct

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/matheus3301/howudoin/internal/apierr"
	"github.com/matheus3301/howudoin/internal/bus"
	"github.com/matheus3301/howudoin/internal/inflight"
	"github.com/matheus3301/howudoin/internal/logging"
	"github.com/matheus3301/howudoin/internal/model"
	"github.com/matheus3301/howudoin/internal/snapshot"
	"github.com/matheus3301/howudoin/internal/transport"
	"go.uber.org/zap"
)

// Operation names for Busy.
const (
	OpSend     = "direct.send"
	OpMarkRead = "direct.read"
	OpDelete   = "direct.delete"
)

// Gateway sends requests to the service.
type Gateway interface {
	Do(ctx context.Context, c transport.Call, out any) error
}

// Update is published on the bus when a conversation snapshot is replaced.
type Update struct {
	Peer     string
	Messages []model.Message
}

// Synchronizer owns the snapshots of direct conversations, keyed by peer.
type Synchronizer struct {
	gw     Gateway
	bus    *bus.Bus
	logger *zap.Logger
	views  *snapshot.Set[string, []model.Message]
	guard  inflight.Guard
}

// New creates a synchronizer with no conversations loaded.
func New(gw Gateway, b *bus.Bus, logger *zap.Logger) *Synchronizer {
	return &Synchronizer{
		gw:     gw,
		bus:    b,
		logger: logging.OrNop(logger),
		views:  snapshot.NewSet[string](slices.Clone[[]model.Message]),
	}
}

// Open marks the conversation with peer as displayed.
func (s *Synchronizer) Open(peer string) {
	s.views.Open(strings.TrimSpace(peer))
}

// Close detaches the view of peer. Its snapshot is dropped and fetches still
// in flight are discarded when they complete.
func (s *Synchronizer) Close(peer string) {
	s.views.Close(strings.TrimSpace(peer))
}

// Fetch retrieves the full history with peer and installs it as the
// snapshot. On error the previous snapshot is kept. The returned messages
// are the server's payload even when the view closed during the call.
func (s *Synchronizer) Fetch(ctx context.Context, peer string) ([]model.Message, error) {
	peer = strings.TrimSpace(peer)
	if peer == "" {
		return nil, apierr.Invalid("peer", "Please choose a conversation")
	}

	ticket := s.views.Begin(peer)
	var msgs []model.Message
	err := s.gw.Do(ctx, transport.Call{
		Method: http.MethodGet,
		Path:   "/messages",
		Query:  url.Values{"otherEmail": {peer}},
	}, &msgs)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []model.Message{}
	}

	if !s.views.Apply(peer, ticket, msgs) {
		s.logger.Debug("discarding history for closed view", zap.String("peer", peer))
		return msgs, nil
	}
	s.bus.Emit(bus.DirectSnapshot, Update{Peer: peer, Messages: slices.Clone(msgs)})
	return msgs, nil
}

// Snapshot returns the last applied history with peer.
func (s *Synchronizer) Snapshot(peer string) ([]model.Message, bool) {
	return s.views.Get(strings.TrimSpace(peer))
}

// Send posts content to peer, then fetches the conversation so the new
// message shows without waiting for the next poll. Send is not idempotent:
// two calls send two messages. A second Send to the same peer while one is
// pending fails with apierr.ErrInFlight.
func (s *Synchronizer) Send(ctx context.Context, peer, content string) (model.Message, error) {
	peer = strings.TrimSpace(peer)
	content = strings.TrimSpace(content)
	switch {
	case content == "":
		return model.Message{}, apierr.Invalid("content", "Message cannot be empty")
	case peer == "":
		return model.Message{}, apierr.Invalid("peer", "Please choose a conversation")
	}

	slot, err := s.guard.Acquire(inflight.Key(OpSend, peer))
	if err != nil {
		return model.Message{}, err
	}
	var sent model.Message
	err = s.gw.Do(ctx, transport.Call{
		Method: http.MethodPost,
		Path:   "/messages/send",
		Body:   map[string]string{"recipientEmail": peer, "content": content},
	}, &sent)
	slot.Release()
	if err != nil {
		return model.Message{}, err
	}
	s.logger.Info("message sent", zap.String("peer", peer), zap.String("msg_id", sent.ID))

	// The send already succeeded; a failed reload only leaves the old snapshot.
	if _, err := s.Fetch(ctx, peer); err != nil {
		s.logger.Warn("reload after send failed", zap.String("peer", peer), zap.Error(err))
	}
	return sent, nil
}

// MarkRead marks a received message as read.
func (s *Synchronizer) MarkRead(ctx context.Context, messageID string) error {
	return s.mutate(ctx, OpMarkRead, messageID, http.MethodPost, "/messages/"+messageID+"/read")
}

// Delete deletes a message sent or received by the current user.
func (s *Synchronizer) Delete(ctx context.Context, messageID string) error {
	return s.mutate(ctx, OpDelete, messageID, http.MethodDelete, "/messages/"+messageID)
}

func (s *Synchronizer) mutate(ctx context.Context, op, messageID, method, path string) error {
	if strings.TrimSpace(messageID) == "" || strings.Contains(messageID, "/") {
		return apierr.Invalid("id", "Invalid message id")
	}
	slot, err := s.guard.Acquire(inflight.Key(op, messageID))
	if err != nil {
		return err
	}
	defer slot.Release()

	if err := s.gw.Do(ctx, transport.Call{Method: method, Path: path}, nil); err != nil {
		return err
	}
	s.logger.Info("message updated", zap.String("op", op), zap.String("msg_id", messageID))
	return nil
}

// UnreadCount returns the number of unread messages addressed to the user.
func (s *Synchronizer) UnreadCount(ctx context.Context) (int, error) {
	var n int
	if err := s.gw.Do(ctx, transport.Call{Method: http.MethodGet, Path: "/messages/unread/count"}, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// Busy reports whether op on target (a peer or a message id) is pending.
func (s *Synchronizer) Busy(op, target string) bool {
	return s.guard.Busy(inflight.Key(op, strings.TrimSpace(target)))
}
