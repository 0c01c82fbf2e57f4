// Package apitest runs an in-memory fake of the messaging service behind an
// httptest server. Tests seed state, drive the client against URL, and then
// inspect per-route call counts.
package apitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/matheus3301/howudoin/internal/model"
)

// Route names, usable with Calls, Fail and Hold.
const (
	RouteLogin          = "login"
	RouteRegister       = "register"
	RouteFriends        = "friends.list"
	RouteFriendAdd      = "friends.add"
	RouteFriendAccept   = "friends.accept"
	RouteFriendsPending = "friends.pending"
	RouteHistory        = "messages.history"
	RouteSend           = "messages.send"
	RouteMarkRead       = "messages.read"
	RouteDelete         = "messages.delete"
	RouteUnreadCount    = "messages.unread"
	RouteGroups         = "groups.list"
	RouteGroupCreate    = "groups.create"
	RouteGroupDetails   = "groups.details"
	RouteGroupMembers   = "groups.members"
	RouteGroupAddMember = "groups.add_member"
	RouteGroupMessages  = "groups.messages"
	RouteGroupSend      = "groups.send"
)

type user struct {
	model.Friend
	password string
	friends  []string
}

type failure struct {
	status  int
	message string
	once    bool
}

// Server is the fake service.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	users    map[string]*user
	tokens   map[string]string
	requests []*model.FriendRequest
	messages []*model.Message
	groups   map[string]*model.Group
	order    []string
	calls    map[string]int
	failures map[string]*failure
	holds    map[string]chan struct{}
	clock    time.Time
	authSeen []string
}

// NewServer starts a fake service that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	s := &Server{
		users:    make(map[string]*user),
		tokens:   make(map[string]string),
		groups:   make(map[string]*model.Group),
		calls:    make(map[string]int),
		failures: make(map[string]*failure),
		holds:    make(map[string]chan struct{}),
		clock:    time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	s.Server = httptest.NewServer(s.router())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.countMiddleware)

	r.HandleFunc("/login", s.login).Methods(http.MethodPost).Name(RouteLogin)
	r.HandleFunc("/register", s.register).Methods(http.MethodPost).Name(RouteRegister)

	authed := r.NewRoute().Subrouter()
	authed.Use(s.authMiddleware)
	authed.HandleFunc("/friends", s.listFriends).Methods(http.MethodGet).Name(RouteFriends)
	authed.HandleFunc("/friends/add", s.addFriend).Methods(http.MethodPost).Name(RouteFriendAdd)
	authed.HandleFunc("/friends/accept", s.acceptFriend).Methods(http.MethodPost).Name(RouteFriendAccept)
	authed.HandleFunc("/friends/pending", s.pendingRequests).Methods(http.MethodGet).Name(RouteFriendsPending)
	authed.HandleFunc("/messages", s.history).Methods(http.MethodGet).Name(RouteHistory)
	authed.HandleFunc("/messages/send", s.sendMessage).Methods(http.MethodPost).Name(RouteSend)
	authed.HandleFunc("/messages/unread/count", s.unreadCount).Methods(http.MethodGet).Name(RouteUnreadCount)
	authed.HandleFunc("/messages/{id}/read", s.markRead).Methods(http.MethodPost).Name(RouteMarkRead)
	authed.HandleFunc("/messages/{id}", s.deleteMessage).Methods(http.MethodDelete).Name(RouteDelete)
	authed.HandleFunc("/groups", s.listGroups).Methods(http.MethodGet).Name(RouteGroups)
	authed.HandleFunc("/groups/create", s.createGroup).Methods(http.MethodPost).Name(RouteGroupCreate)
	authed.HandleFunc("/groups/{id}", s.groupDetails).Methods(http.MethodGet).Name(RouteGroupDetails)
	authed.HandleFunc("/groups/{id}/members", s.groupMembers).Methods(http.MethodGet).Name(RouteGroupMembers)
	authed.HandleFunc("/groups/{id}/add-member", s.addMember).Methods(http.MethodPost).Name(RouteGroupAddMember)
	authed.HandleFunc("/groups/{id}/messages", s.groupMessages).Methods(http.MethodGet).Name(RouteGroupMessages)
	authed.HandleFunc("/groups/{id}/send", s.sendGroupMessage).Methods(http.MethodPost).Name(RouteGroupSend)
	return r
}

func (s *Server) countMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := ""
		if route := mux.CurrentRoute(r); route != nil {
			name = route.GetName()
		}

		s.mu.Lock()
		s.calls[name]++
		s.authSeen = append(s.authSeen, r.Header.Get("Authorization"))
		f := s.failures[name]
		if f != nil && f.once {
			delete(s.failures, name)
		}
		hold := s.holds[name]
		s.mu.Unlock()

		if hold != nil {
			select {
			case <-hold:
			case <-r.Context().Done():
				return
			}
		}
		if f != nil {
			writeError(w, f.status, f.message)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		email, known := s.tokens[token]
		s.mu.Unlock()
		if !ok || !known {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		r.Header.Set("X-Fake-User", email)
		next.ServeHTTP(w, r)
	})
}

func currentUser(r *http.Request) string {
	return r.Header.Get("X-Fake-User")
}

// --- seeding ---

// AddUser registers a user directly.
func (s *Server) AddUser(email, firstName, lastName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[email] = &user{Friend: model.Friend{Email: email, FirstName: firstName, LastName: lastName}, password: "password123"}
}

// Token issues a valid bearer token for email.
func (s *Server) Token(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok := "tok-" + uuid.NewString()
	s.tokens[tok] = email
	return tok
}

// RevokeTokens makes every issued token answer 401.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.tokens)
}

// Befriend makes a and b friends.
func (s *Server) Befriend(a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[a].friends = append(s.users[a].friends, b)
	s.users[b].friends = append(s.users[b].friends, a)
}

// AddRequest stores a pending request from sender to receiver.
func (s *Server) AddRequest(sender, receiver string) model.FriendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.addRequestLocked(sender, receiver)
}

func (s *Server) addRequestLocked(sender, receiver string) *model.FriendRequest {
	now := s.tick()
	req := &model.FriendRequest{
		ID: uuid.NewString(), SenderID: sender, ReceiverID: receiver,
		Status: model.RequestPending, CreatedAt: now, UpdatedAt: now,
	}
	s.requests = append(s.requests, req)
	return req
}

// AddMessage stores a direct message.
func (s *Server) AddMessage(from, to, content string) model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.addMessageLocked(from, to, "", content)
}

// AddGroupMessage stores a group message.
func (s *Server) AddGroupMessage(groupID, from, content string) model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.addMessageLocked(from, "", groupID, content)
}

func (s *Server) addMessageLocked(from, to, groupID, content string) *model.Message {
	m := &model.Message{
		ID: fmt.Sprint(len(s.messages) + 1), SenderID: from, RecipientID: to, GroupID: groupID,
		Content: content, Timestamp: s.tick(), GroupMessage: groupID != "",
	}
	s.messages = append(s.messages, m)
	return m
}

// AddGroup creates a group; the creator is always a member.
func (s *Server) AddGroup(name, creator string, members ...string) model.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addGroupLocked(name, creator, members).Clone()
}

func (s *Server) addGroupLocked(name, creator string, members []string) *model.Group {
	now := s.tick()
	g := &model.Group{
		ID: uuid.NewString(), Name: name, CreatorID: creator,
		Members: append(slices.Clone(members), creator), CreatedAt: now, UpdatedAt: now,
	}
	*g = g.Normalize()
	s.groups[g.ID] = g
	s.order = append(s.order, g.ID)
	return g
}

// --- fault injection and inspection ---

// Fail makes every request to route answer status with message.
func (s *Server) Fail(route string, status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = &failure{status: status, message: message}
}

// FailOnce is Fail for the next request only.
func (s *Server) FailOnce(route string, status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = &failure{status: status, message: message, once: true}
}

// Recover removes an injected failure.
func (s *Server) Recover(route string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, route)
}

// Hold blocks requests to route until the returned release func is called.
func (s *Server) Hold(route string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.holds[route] = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.holds, route)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Calls returns how many requests reached route.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// TotalCalls returns the number of requests of any kind.
func (s *Server) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// AuthHeaders returns the Authorization header of every request, in order.
func (s *Server) AuthHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.authSeen)
}

func (s *Server) tick() model.Time {
	s.clock = s.clock.Add(time.Second)
	return model.Time{Time: s.clock}
}

// --- handlers ---

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	u, ok := s.users[req.Email]
	s.mu.Unlock()
	if !ok || u.password != req.Password {
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	tok := s.Token(req.Email)
	writeJSON(w, http.StatusOK, map[string]string{
		"token": tok, "email": u.Email, "firstName": u.FirstName, "lastName": u.LastName,
	})
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		Email     string `json:"email"`
		Password  string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[req.Email]; exists {
		writeError(w, http.StatusConflict, "Email already registered")
		return
	}
	s.users[req.Email] = &user{
		Friend:   model.Friend{Email: req.Email, FirstName: req.FirstName, LastName: req.LastName},
		password: req.Password,
	}
	writeJSON(w, http.StatusCreated, map[string]string{"email": req.Email})
}

func (s *Server) listFriends(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	friends := []model.Friend{}
	for _, email := range s.users[currentUser(r)].friends {
		if u, ok := s.users[email]; ok {
			friends = append(friends, u.Friend)
		}
	}
	writeJSON(w, http.StatusOK, friends)
}

func (s *Server) addFriend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decode(w, r, &req) {
		return
	}
	me := currentUser(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case req.Email == me:
		writeError(w, http.StatusBadRequest, "Cannot send friend request to yourself")
	case s.users[req.Email] == nil:
		writeError(w, http.StatusNotFound, "User not found")
	case slices.Contains(s.users[me].friends, req.Email):
		writeError(w, http.StatusBadRequest, "Already friends with this user")
	case s.findRequestLocked(me, req.Email) != nil:
		writeError(w, http.StatusBadRequest, "Friend request already sent")
	default:
		s.addRequestLocked(me, req.Email)
		writeJSON(w, http.StatusOK, map[string]string{"message": "Friend request sent successfully"})
	}
}

func (s *Server) findRequestLocked(sender, receiver string) *model.FriendRequest {
	for _, fr := range s.requests {
		if fr.SenderID == sender && fr.ReceiverID == receiver {
			return fr
		}
	}
	return nil
}

func (s *Server) acceptFriend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decode(w, r, &req) {
		return
	}
	me := currentUser(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	fr := s.findRequestLocked(req.Email, me)
	if fr == nil {
		writeError(w, http.StatusNotFound, "Friend request not found")
		return
	}
	if !fr.Status.CanTransition(model.RequestAccepted) {
		writeError(w, http.StatusBadRequest, "Friend request already processed")
		return
	}
	fr.Status = model.RequestAccepted
	fr.UpdatedAt = s.tick()
	s.users[me].friends = append(s.users[me].friends, req.Email)
	s.users[req.Email].friends = append(s.users[req.Email].friends, me)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Friend request accepted successfully"})
}

func (s *Server) pendingRequests(w http.ResponseWriter, r *http.Request) {
	me := currentUser(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := []model.FriendRequest{}
	for _, fr := range s.requests {
		if fr.ReceiverID == me && fr.Status == model.RequestPending {
			pending = append(pending, *fr)
		}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	me, other := currentUser(r), r.URL.Query().Get("otherEmail")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[other] == nil {
		writeError(w, http.StatusNotFound, "Other user not found")
		return
	}
	msgs := []model.Message{}
	// Newest first, matching the service.
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.GroupMessage || m.Deleted {
			continue
		}
		if (m.SenderID == me && m.RecipientID == other) || (m.SenderID == other && m.RecipientID == me) {
			msgs = append(msgs, *m)
		}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RecipientEmail string `json:"recipientEmail"`
		Content        string `json:"content"`
	}
	if !decode(w, r, &req) {
		return
	}
	me := currentUser(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[req.RecipientEmail] == nil {
		writeError(w, http.StatusNotFound, "Recipient not found")
		return
	}
	if !slices.Contains(s.users[me].friends, req.RecipientEmail) {
		writeError(w, http.StatusForbidden, "Cannot send message. You must be friends with the recipient")
		return
	}
	writeJSON(w, http.StatusOK, s.addMessageLocked(me, req.RecipientEmail, "", req.Content))
}

func (s *Server) messageByID(r *http.Request) *model.Message {
	id := mux.Vars(r)["id"]
	for _, m := range s.messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.messageByID(r)
	if m == nil {
		writeError(w, http.StatusNotFound, "Message not found")
		return
	}
	if m.RecipientID != currentUser(r) {
		writeError(w, http.StatusForbidden, "Cannot mark this message as read")
		return
	}
	m.Read, m.ReadAt = true, s.tick()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Message marked as read"})
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.messageByID(r)
	if m == nil {
		writeError(w, http.StatusNotFound, "Message not found")
		return
	}
	if me := currentUser(r); m.SenderID != me && m.RecipientID != me {
		writeError(w, http.StatusForbidden, "Cannot delete this message")
		return
	}
	m.Deleted, m.DeletedAt = true, s.tick()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Message deleted successfully"})
}

func (s *Server) unreadCount(w http.ResponseWriter, r *http.Request) {
	me := currentUser(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.RecipientID == me && !m.Read && !m.Deleted {
			n++
		}
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	me := currentUser(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	groups := []model.Group{}
	for _, id := range s.order {
		if g := s.groups[id]; g.HasMember(me) {
			groups = append(groups, g.Clone())
		}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string   `json:"name"`
		MemberEmails []string `json:"memberEmails"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, email := range req.MemberEmails {
		if s.users[email] == nil {
			writeError(w, http.StatusNotFound, "Member not found: "+email)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.addGroupLocked(req.Name, currentUser(r), req.MemberEmails))
}

// memberGroup resolves {id} and enforces membership. It writes the error itself.
func (s *Server) memberGroup(w http.ResponseWriter, r *http.Request) *model.Group {
	g := s.groups[mux.Vars(r)["id"]]
	if g == nil {
		writeError(w, http.StatusNotFound, "Group not found")
		return nil
	}
	if !g.HasMember(currentUser(r)) {
		writeError(w, http.StatusForbidden, "You are not a member of this group")
		return nil
	}
	return g
}

func (s *Server) groupDetails(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g := s.memberGroup(w, r); g != nil {
		writeJSON(w, http.StatusOK, g)
	}
}

func (s *Server) groupMembers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g := s.memberGroup(w, r); g != nil {
		writeJSON(w, http.StatusOK, g.Members)
	}
}

func (s *Server) addMember(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("memberEmail")
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.memberGroup(w, r)
	if g == nil {
		return
	}
	if s.users[email] == nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	g.Members = append(g.Members, email)
	*g = g.Normalize()
	g.UpdatedAt = s.tick()
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) groupMessages(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.memberGroup(w, r)
	if g == nil {
		return
	}
	msgs := []model.Message{}
	for i := len(s.messages) - 1; i >= 0; i-- {
		if m := s.messages[i]; m.GroupID == g.ID {
			msgs = append(msgs, *m)
		}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) sendGroupMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.memberGroup(w, r)
	if g == nil {
		return
	}
	writeJSON(w, http.StatusOK, s.addMessageLocked(currentUser(r), "", g.ID, req.Content))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
