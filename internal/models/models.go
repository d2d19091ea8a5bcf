package models

import (
	"errors"
	"strings"
)

var (
	ErrNotFound = errors.New("not found")
)

// conversationKeySeparator joins the two sorted participant names.
const conversationKeySeparator = "__"

// NormalizeUserName is the single canonicalization point for user names.
// Every operation that accepts a userName passes through here, so the
// case-insensitive uniqueness invariant holds at every layer.
func NormalizeUserName(userName string) string {
	return strings.ToLower(strings.TrimSpace(userName))
}

// ConversationKey derives the order-independent identifier of the two-party
// conversation between a and b: normalized names, sorted, joined.
// ConversationKey(a, b) == ConversationKey(b, a) for all inputs.
func ConversationKey(a, b string) string {
	a = NormalizeUserName(a)
	b = NormalizeUserName(b)
	if a > b {
		a, b = b, a
	}
	return a + conversationKeySeparator + b
}

// User is a persistent identity record in the registry.
// ConnectionID is the live-connection binding; it is meaningful only while
// that connection is open and must never cross the broadcast boundary.
type User struct {
	UserName     string `json:"userName"`
	DisplayName  string `json:"displayName"`
	ConnectionID string `json:"connectionId,omitempty"`
	LastSeenAt   int64  `json:"lastSeenAt"` // Unix timestamp (milliseconds)
}

// View returns the privacy-filtered projection of the user.
func (u User) View() UserView {
	return UserView{
		UserName:    u.UserName,
		DisplayName: u.DisplayName,
		LastSeenAt:  u.LastSeenAt,
	}
}

// UserView is the projection of a User that is safe to broadcast.
type UserView struct {
	UserName    string `json:"userName"`
	DisplayName string `json:"displayName"`
	LastSeenAt  int64  `json:"lastSeenAt"`
}

// Message is a single chat message. Messages are immutable once stored.
// HTML is rendered from Text on the way out and is never stored.
type Message struct {
	ID              string       `json:"id"`
	ConversationKey string       `json:"conversationKey"`
	From            string       `json:"from"`
	To              string       `json:"to"`
	Text            string       `json:"text"`
	HTML            string       `json:"html,omitempty"`
	SentAt          int64        `json:"sentAt"` // Unix timestamp (milliseconds)
	Attachments     []Attachment `json:"attachments,omitempty"`
}

// ConversationSummary is the derived per-peer aggregate of a user's
// conversations: most recent exchange plus total count. Never stored.
type ConversationSummary struct {
	Peer          string `json:"peer"`
	LastFrom      string `json:"lastFrom"`
	LastText      string `json:"lastText"`
	LastAt        int64  `json:"lastAt"` // Unix timestamp (milliseconds)
	TotalMessages int    `json:"totalMessages"`
}

type AttachmentType string

const (
	AttachmentTypeImage AttachmentType = "image"
	AttachmentTypeFile  AttachmentType = "file"
)

type Attachment struct {
	Type     AttachmentType `json:"type"`
	Name     string         `json:"name"`
	MimeType string         `json:"mimeType"`
	FileID   string         `json:"fileId"`
}

// ClientMessage represents a request sent from the client to the server.
// It is a flat union: only the fields relevant to Type are set. ID is a
// client-chosen correlation id echoed back on the reply.
type ClientMessage struct {
	ID          int64             `json:"id,omitempty"`
	Type        ClientMessageType `json:"type"`
	UserName    string            `json:"userName,omitempty"`
	DisplayName string            `json:"displayName,omitempty"`
	From        string            `json:"from,omitempty"`
	To          string            `json:"to,omitempty"`
	Text        string            `json:"text,omitempty"`
	Skip        int               `json:"skip,omitempty"`
	Take        int               `json:"take,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
}

// ServerMessage represents a reply or a pushed event to the client.
// Replies echo the request type and correlation id and always carry
// Success, explicit false included; pushes carry neither.
type ServerMessage struct {
	ID            int64                 `json:"id,omitempty"`
	Type          ServerMessageType     `json:"type"`
	Success       *bool                 `json:"success,omitempty"`
	Error         string                `json:"error,omitempty"`
	Exists        bool                  `json:"exists,omitempty"`
	ConnectionID  string                `json:"connectionId,omitempty"`
	User          *UserView             `json:"user,omitempty"`
	Users         []UserView            `json:"users,omitempty"`
	Message       *Message              `json:"message,omitempty"`
	Messages      []Message             `json:"messages,omitempty"`
	Conversations []ConversationSummary `json:"conversations,omitempty"`
}

type ClientMessageType string

const (
	ClientMessageTypeRegister         ClientMessageType = "Register"
	ClientMessageTypeCheckUser        ClientMessageType = "CheckUser"
	ClientMessageTypeGetConversations ClientMessageType = "GetConversations"
	ClientMessageTypeGetMessages      ClientMessageType = "GetMessages"
	ClientMessageTypeSendMessage      ClientMessageType = "SendMessage"
)

type ServerMessageType string

const (
	ServerMessageTypeConnected        ServerMessageType = "Connected"
	ServerMessageTypeUsers            ServerMessageType = "users"
	ServerMessageTypeConversations    ServerMessageType = "conversations"
	ServerMessageTypeMessage          ServerMessageType = "message"
	ServerMessageTypeRegister         ServerMessageType = "Register"
	ServerMessageTypeCheckUser        ServerMessageType = "CheckUser"
	ServerMessageTypeGetConversations ServerMessageType = "GetConversations"
	ServerMessageTypeGetMessages      ServerMessageType = "GetMessages"
	ServerMessageTypeSendMessage      ServerMessageType = "SendMessage"
)
