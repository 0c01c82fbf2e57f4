// Package groups mirrors the signed-in user's groups: the group list, each
// group's metadata and membership, and each group's message history.
//
// As in package direct, fetches replace snapshots in full and mutations
// never touch them.
package groups

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
	OpCreate    = "groups.create"
	OpSend      = "groups.send"
	OpAddMember = "groups.add_member"
)

// Gateway sends requests to the service.
type Gateway interface {
	Do(ctx context.Context, c transport.Call, out any) error
}

// Update is published when a group's message snapshot is replaced.
type Update struct {
	GroupID  string
	Messages []model.GroupMessage
}

// Synchronizer owns the group snapshots.
type Synchronizer struct {
	gw       Gateway
	bus      *bus.Bus
	logger   *zap.Logger
	list     *snapshot.Value[[]model.Group]
	details  *snapshot.Set[string, model.Group]
	members  *snapshot.Set[string, []string]
	messages *snapshot.Set[string, []model.GroupMessage]
	guard    inflight.Guard
}

// New creates a synchronizer with nothing loaded.
func New(gw Gateway, b *bus.Bus, logger *zap.Logger) *Synchronizer {
	return &Synchronizer{
		gw:       gw,
		bus:      b,
		logger:   logging.OrNop(logger),
		list:     snapshot.NewValue(cloneGroups),
		details:  snapshot.NewSet[string](model.Group.Clone),
		members:  snapshot.NewSet[string](slices.Clone[[]string]),
		messages: snapshot.NewSet[string](slices.Clone[[]model.GroupMessage]),
	}
}

func cloneGroups(gs []model.Group) []model.Group {
	out := make([]model.Group, len(gs))
	for i, g := range gs {
		out[i] = g.Clone()
	}
	return out
}

func checkID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.Contains(id, "/") {
		return "", apierr.Invalid("group", "Invalid group id")
	}
	return id, nil
}

// Open marks group id as displayed.
func (s *Synchronizer) Open(id string) {
	id = strings.TrimSpace(id)
	s.details.Open(id)
	s.members.Open(id)
	s.messages.Open(id)
}

// Close detaches the view of group id, dropping its snapshots. Fetches still
// in flight are discarded when they complete.
func (s *Synchronizer) Close(id string) {
	id = strings.TrimSpace(id)
	s.details.Close(id)
	s.members.Close(id)
	s.messages.Close(id)
}

// ListGroups fetches the groups the user belongs to, in server order.
func (s *Synchronizer) ListGroups(ctx context.Context) ([]model.Group, error) {
	var groups []model.Group
	if err := s.gw.Do(ctx, transport.Call{Method: http.MethodGet, Path: "/groups"}, &groups); err != nil {
		return nil, err
	}
	for i := range groups {
		groups[i] = groups[i].Normalize()
	}
	if groups == nil {
		groups = []model.Group{}
	}
	s.list.Set(groups)
	s.bus.Emit(bus.GroupsList, cloneGroups(groups))
	return groups, nil
}

// Groups returns the last fetched group list.
func (s *Synchronizer) Groups() []model.Group {
	groups, _ := s.list.Get()
	return groups
}

// GroupDetails fetches the metadata of group id.
func (s *Synchronizer) GroupDetails(ctx context.Context, id string) (model.Group, error) {
	id, err := checkID(id)
	if err != nil {
		return model.Group{}, err
	}
	ticket := s.details.Begin(id)
	var g model.Group
	if err := s.gw.Do(ctx, transport.Call{Method: http.MethodGet, Path: "/groups/" + id}, &g); err != nil {
		return model.Group{}, err
	}
	g = g.Normalize()
	if s.details.Apply(id, ticket, g) {
		s.bus.Emit(bus.GroupsDetails, g.Clone())
	}
	return g, nil
}

// Details returns the last fetched metadata of group id.
func (s *Synchronizer) Details(id string) (model.Group, bool) {
	return s.details.Get(strings.TrimSpace(id))
}

// Members fetches the member set of group id, sorted.
func (s *Synchronizer) Members(ctx context.Context, id string) ([]string, error) {
	id, err := checkID(id)
	if err != nil {
		return nil, err
	}
	ticket := s.members.Begin(id)
	var members []string
	if err := s.gw.Do(ctx, transport.Call{Method: http.MethodGet, Path: "/groups/" + id + "/members"}, &members); err != nil {
		return nil, err
	}
	members = model.Group{Members: members}.Normalize().Members
	s.members.Apply(id, ticket, members)
	return members, nil
}

// CreateGroup creates a group with the given members. The creator is added
// by the service. Name and member checks run before any request.
func (s *Synchronizer) CreateGroup(ctx context.Context, name string, memberIdentities []string) (model.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Group{}, apierr.Invalid("name", "Please enter a group name")
	}
	members := make([]string, 0, len(memberIdentities))
	for _, m := range memberIdentities {
		if m = strings.TrimSpace(m); m != "" && !slices.Contains(members, m) {
			members = append(members, m)
		}
	}
	if len(members) == 0 {
		return model.Group{}, apierr.Invalid("members", "Please select at least one friend")
	}

	slot, err := s.guard.Acquire(inflight.Key(OpCreate, name))
	if err != nil {
		return model.Group{}, err
	}
	defer slot.Release()

	var created model.Group
	err = s.gw.Do(ctx, transport.Call{
		Method: http.MethodPost,
		Path:   "/groups/create",
		Body:   map[string]any{"name": name, "memberEmails": members},
	}, &created)
	if err != nil {
		return model.Group{}, err
	}
	s.logger.Info("group created", zap.String("group_id", created.ID), zap.Int("members", len(members)))
	return created.Normalize(), nil
}

// AddMember adds email to group id.
func (s *Synchronizer) AddMember(ctx context.Context, id, email string) error {
	id, err := checkID(id)
	if err != nil {
		return err
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return apierr.Invalid("email", "Please enter an email address")
	}

	slot, err := s.guard.Acquire(inflight.Key(OpAddMember, id+":"+email))
	if err != nil {
		return err
	}
	defer slot.Release()

	if err := s.gw.Do(ctx, transport.Call{
		Method: http.MethodPost,
		Path:   "/groups/" + id + "/add-member",
		Query:  url.Values{"memberEmail": {email}},
	}, nil); err != nil {
		return err
	}
	s.logger.Info("group member added", zap.String("group_id", id), zap.String("email", email))
	return nil
}

// FetchMessages retrieves the full history of group id, newest first, and
// installs it as the snapshot. On error the previous snapshot is kept.
func (s *Synchronizer) FetchMessages(ctx context.Context, id string) ([]model.GroupMessage, error) {
	id, err := checkID(id)
	if err != nil {
		return nil, err
	}
	ticket := s.messages.Begin(id)
	var msgs []model.GroupMessage
	if err := s.gw.Do(ctx, transport.Call{Method: http.MethodGet, Path: "/groups/" + id + "/messages"}, &msgs); err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []model.GroupMessage{}
	}
	if !s.messages.Apply(id, ticket, msgs) {
		s.logger.Debug("discarding group history for closed view", zap.String("group_id", id))
		return msgs, nil
	}
	s.bus.Emit(bus.GroupsSnapshot, Update{GroupID: id, Messages: slices.Clone(msgs)})
	return msgs, nil
}

// Messages returns the last applied history of group id.
func (s *Synchronizer) Messages(id string) ([]model.GroupMessage, bool) {
	return s.messages.Get(strings.TrimSpace(id))
}

// SendMessage posts content to group id and then fetches its history.
// Not idempotent; concurrent sends to one group fail with apierr.ErrInFlight.
func (s *Synchronizer) SendMessage(ctx context.Context, id, content string) (model.GroupMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return model.GroupMessage{}, apierr.Invalid("content", "Message cannot be empty")
	}
	id, err := checkID(id)
	if err != nil {
		return model.GroupMessage{}, err
	}

	slot, err := s.guard.Acquire(inflight.Key(OpSend, id))
	if err != nil {
		return model.GroupMessage{}, err
	}
	var sent model.GroupMessage
	err = s.gw.Do(ctx, transport.Call{
		Method: http.MethodPost,
		Path:   "/groups/" + id + "/send",
		Body:   map[string]string{"content": content},
	}, &sent)
	slot.Release()
	if err != nil {
		return model.GroupMessage{}, err
	}
	s.logger.Info("group message sent", zap.String("group_id", id), zap.String("msg_id", sent.ID))

	if _, err := s.FetchMessages(ctx, id); err != nil {
		s.logger.Warn("reload after group send failed", zap.String("group_id", id), zap.Error(err))
	}
	return sent, nil
}

// Busy reports whether op on target is pending. For OpAddMember the target
// is "groupID:email".
func (s *Synchronizer) Busy(op, target string) bool {
	return s.guard.Busy(inflight.Key(op, strings.TrimSpace(target)))
}
