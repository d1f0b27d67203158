package dashstate

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChatEchoWindow bounds how far apart an optimistic user message and its
// server echo may be when they are matched by content.
const ChatEchoWindow = 5 * time.Second

type ChatSender string

const (
	SenderUser   ChatSender = "user"
	SenderSystem ChatSender = "system"
)

type ChatKind string

const (
	ChatText     ChatKind = "text"
	ChatThinking ChatKind = "thinking"
	ChatToolUse  ChatKind = "tool-use"
)

type ChatMessage struct {
	ID              string         `json:"id"`
	Sender          ChatSender     `json:"sender"`
	Kind            ChatKind       `json:"kind"`
	Content         string         `json:"content,omitempty"`
	ToolName        string         `json:"toolName,omitempty"`
	ToolInput       map[string]any `json:"toolInput,omitempty"`
	ClientRequestID string         `json:"clientRequestId,omitempty"`
	Pending         bool           `json:"pending,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// AddLocalChat appends an optimistic user message. The returned message's
// ClientRequestID is sent with the request so the server echo can be matched
// exactly; servers that drop it fall back to content-and-time matching.
func (s *Store) AddLocalChat(content string) ChatMessage {
	id := uuid.NewString()
	msg := ChatMessage{
		ID:              id,
		Sender:          SenderUser,
		Kind:            ChatText,
		Content:         content,
		ClientRequestID: id,
		Pending:         true,
		Timestamp:       s.now(),
	}
	s.update(func() []Mutation {
		stored := msg
		s.chat = append(s.chat, &stored)
		s.chatIndex[stored.ID] = &stored
		s.chatRequest[stored.ClientRequestID] = &stored
		snapshot := stored
		return []Mutation{{Op: OpInsert, Collection: CollectionChat, Key: stored.ID, Chat: &snapshot}}
	})
	return msg
}

// MergeRemoteChat adds a message received from the server. Ids already seen
// are ignored. A user message that echoes a pending optimistic one confirms it
// instead of appending; every pending message absorbs at most one echo.
func (s *Store) MergeRemoteChat(msg ChatMessage) (ChatMessage, bool) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	if msg.Kind == "" {
		msg.Kind = ChatText
	}
	if msg.Sender == "" {
		msg.Sender = SenderSystem
	}
	var result ChatMessage
	muts := s.update(func() []Mutation {
		if msg.ID != "" {
			if _, seen := s.chatIndex[msg.ID]; seen {
				return nil
			}
		}
		if msg.Sender == SenderUser && msg.Kind == ChatText {
			if local := s.matchEchoLocked(msg); local != nil {
				local.Pending = false
				if msg.ID != "" {
					s.chatIndex[msg.ID] = local
				}
				result = *local
				snapshot := *local
				return []Mutation{{Op: OpUpdate, Collection: CollectionChat, Key: local.ID, Chat: &snapshot}}
			}
		}
		stored := msg
		stored.Pending = false
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		s.chat = append(s.chat, &stored)
		s.chatIndex[stored.ID] = &stored
		result = stored
		snapshot := stored
		return []Mutation{{Op: OpInsert, Collection: CollectionChat, Key: stored.ID, Chat: &snapshot}}
	})
	return result, len(muts) > 0
}

func (s *Store) matchEchoLocked(msg ChatMessage) *ChatMessage {
	if msg.ClientRequestID != "" {
		if local, ok := s.chatRequest[msg.ClientRequestID]; ok && local.Pending {
			return local
		}
	}
	for _, local := range s.chat {
		if !local.Pending || local.Sender != SenderUser {
			continue
		}
		if local.Content != msg.Content {
			continue
		}
		delta := msg.Timestamp.Sub(local.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta < ChatEchoWindow {
			return local
		}
	}
	return nil
}

// AddSystemChat appends a locally generated system message such as a send
// failure notice.
func (s *Store) AddSystemChat(content string) ChatMessage {
	msg, _ := s.MergeRemoteChat(ChatMessage{
		ID:        uuid.NewString(),
		Sender:    SenderSystem,
		Kind:      ChatText,
		Content:   content,
		Timestamp: s.now(),
	})
	return msg
}

func (s *Store) ChatMessages() []ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChatMessage, 0, len(s.chat))
	for _, msg := range s.chat {
		out = append(out, *msg)
	}
	return out
}

func chatFromRecord(rec ChatRecord, fallback time.Time) ChatMessage {
	sender := SenderSystem
	if strings.EqualFold(rec.SenderType, "user") {
		sender = SenderUser
	}
	ts := rec.CreatedAt.Time
	if ts.IsZero() {
		ts = rec.Timestamp.Time
	}
	if ts.IsZero() {
		ts = fallback
	}
	msg := ChatMessage{
		ID:              rec.ID,
		Sender:          sender,
		Kind:            ChatText,
		Content:         rec.Message,
		ClientRequestID: rec.ClientRequestID,
		Timestamp:       ts,
	}
	if msg.ClientRequestID == "" {
		if v, ok := rec.Metadata["client_request_id"].(string); ok {
			msg.ClientRequestID = v
		}
	}
	switch rec.Metadata["type"] {
	case "thinking":
		msg.Kind = ChatThinking
		if v, ok := rec.Metadata["thinking"].(string); ok {
			msg.Content = v
		}
	case "tool_use":
		msg.Kind = ChatToolUse
		msg.ToolName, _ = rec.Metadata["tool_name"].(string)
		msg.ToolInput, _ = rec.Metadata["tool_input"].(map[string]any)
	}
	return msg
}
