// Package model holds the wire types exchanged with the messaging service.
// Values are treated as immutable snapshots once decoded.
package model

import (
	"fmt"
	"slices"
)

// Friend is an accepted relationship. Email is the identity key.
type Friend struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// DisplayName returns "First Last", falling back to the email.
func (f Friend) DisplayName() string {
	switch {
	case f.FirstName != "" && f.LastName != "":
		return f.FirstName + " " + f.LastName
	case f.FirstName != "":
		return f.FirstName
	default:
		return f.Email
	}
}

// RequestStatus is the lifecycle state of a friend request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "PENDING"
	RequestAccepted RequestStatus = "ACCEPTED"
	RequestRejected RequestStatus = "REJECTED"
)

var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestPending: {RequestAccepted, RequestRejected},
}

// CanTransition reports whether a request may move from s to next.
// ACCEPTED and REJECTED are terminal.
func (s RequestStatus) CanTransition(next RequestStatus) bool {
	return slices.Contains(requestTransitions[s], next)
}

// FriendRequest is a request from SenderID to ReceiverID (both identities).
type FriendRequest struct {
	ID         string        `json:"id"`
	SenderID   string        `json:"senderId"`
	ReceiverID string        `json:"receiverId"`
	Status     RequestStatus `json:"status"`
	CreatedAt  Time          `json:"createdAt"`
	UpdatedAt  Time          `json:"updatedAt"`
}

// Message is a direct or group message. RecipientID is empty for group messages.
type Message struct {
	ID           string `json:"id"`
	SenderID     string `json:"senderId"`
	RecipientID  string `json:"recipientId,omitempty"`
	GroupID      string `json:"groupId,omitempty"`
	Content      string `json:"content"`
	Timestamp    Time   `json:"timestamp"`
	Read         bool   `json:"read"`
	ReadAt       Time   `json:"readAt"`
	Deleted      bool   `json:"deleted"`
	DeletedAt    Time   `json:"deletedAt"`
	GroupMessage bool   `json:"groupMessage"`
}

// GroupMessage shares the Message shape with GroupMessage=true.
type GroupMessage = Message

// DeliveryStatus is derived from server-declared message fields.
type DeliveryStatus string

const (
	StatusSent    DeliveryStatus = "sent"
	StatusRead    DeliveryStatus = "read"
	StatusDeleted DeliveryStatus = "deleted"
)

// Status reports the delivery status. Deleted wins over read.
func (m Message) Status() DeliveryStatus {
	switch {
	case m.Deleted:
		return StatusDeleted
	case m.Read:
		return StatusRead
	default:
		return StatusSent
	}
}

// Group is a named set of members. Members holds identities.
type Group struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	CreatorID string   `json:"creatorId"`
	Members   []string `json:"members"`
	CreatedAt Time     `json:"createdAt"`
	UpdatedAt Time     `json:"updatedAt"`
}

// HasMember reports whether identity belongs to the group.
func (g Group) HasMember(identity string) bool {
	return slices.Contains(g.Members, identity)
}

// Normalize sorts and de-duplicates Members, since membership is a set.
func (g Group) Normalize() Group {
	members := slices.Clone(g.Members)
	slices.Sort(members)
	g.Members = slices.Compact(members)
	return g
}

// Clone returns a deep copy.
func (g Group) Clone() Group {
	g.Members = slices.Clone(g.Members)
	return g
}

func (g Group) String() string {
	return fmt.Sprintf("%s (%d members)", g.Name, len(g.Members))
}
