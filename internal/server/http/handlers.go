package httpserver

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/and161185/rxportal/internal/model"
	"github.com/and161185/rxportal/internal/portal"
)

type conversationDTO struct {
	ID            string     `json:"id"`
	DisplayName   string     `json:"display_name"`
	AvatarURL     string     `json:"avatar_url,omitempty"`
	Status        string     `json:"status,omitempty"`
	Broadcast     bool       `json:"broadcast"`
	Title         string     `json:"title,omitempty"`
	Unread        int        `json:"unread"`
	UnreadLabel   string     `json:"unread_label,omitempty"`
	LastMessage   string     `json:"last_message,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	LastActivity  string     `json:"last_activity"`
}

type messageDTO struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Type           string    `json:"type"`
	Text           string    `json:"text,omitempty"`
	MediaURLs      []string  `json:"media_urls,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Sent           string    `json:"sent"`
	Pending        bool      `json:"pending"`
}

type stateDTO struct {
	Phase         string            `json:"phase"`
	Selected      string            `json:"selected,omitempty"`
	Conversations []conversationDTO `json:"conversations"`
	Messages      []messageDTO      `json:"messages"`
	Unread        int               `json:"unread"`
}

func (s *Server) conversationOut(c model.Conversation, now time.Time) conversationDTO {
	out := conversationDTO{
		ID:           c.ID,
		DisplayName:  c.DisplayName,
		AvatarURL:    c.AvatarURL,
		Status:       c.Status,
		Broadcast:    c.IsBroadcast(),
		Title:        c.BroadcastTitle(),
		Unread:       c.UnreadCount,
		LastMessage:  c.LastMessage,
		LastActivity: humanize.RelTime(c.Recency(), now, "ago", "from now"),
	}
	if c.UnreadCount > 0 {
		out.UnreadLabel = humanize.Comma(int64(c.UnreadCount))
	}
	if !c.LastMessageAt.IsZero() {
		t := c.LastMessageAt
		out.LastMessageAt = &t
	}
	return out
}

func (s *Server) messageOut(m model.Message, now time.Time) messageDTO {
	return messageDTO{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         string(m.Sender),
		Type:           string(m.Type),
		Text:           m.Text,
		MediaURLs:      m.MediaURLs,
		CreatedAt:      m.CreatedAt,
		Sent:           humanize.RelTime(m.CreatedAt, now, "ago", "from now"),
		Pending:        m.IsLocal(),
	}
}

func (s *Server) stateOut(snap portal.Snapshot) stateDTO {
	now := s.d.Now()
	out := stateDTO{
		Phase:         snap.Phase.String(),
		Selected:      snap.Selected,
		Conversations: make([]conversationDTO, 0, len(snap.Conversations)),
		Messages:      make([]messageDTO, 0, len(snap.Messages)),
	}
	for _, c := range snap.Conversations {
		out.Conversations = append(out.Conversations, s.conversationOut(c, now))
	}
	for _, m := range snap.Messages {
		out.Messages = append(out.Messages, s.messageOut(m, now))
	}
	if s.d.Unread != nil {
		out.Unread = s.d.Unread.Snapshot().Total
	}
	return out
}

func (s *Server) state(c *fiber.Ctx) error {
	return c.JSON(s.stateOut(s.d.Engine.Snapshot()))
}

func (s *Server) listConversations(c *fiber.Ctx) error {
	return c.JSON(s.stateOut(s.d.Engine.Snapshot()).Conversations)
}

func (s *Server) reloadConversations(c *fiber.Ctx) error {
	if _, err := s.d.Engine.LoadConversationList(c.UserContext()); err != nil {
		return err
	}
	return c.JSON(s.stateOut(s.d.Engine.Snapshot()).Conversations)
}

// selectConversation opens a conversation. ?auto=1 marks a programmatic
// selection that leaves the unread count alone.
func (s *Server) selectConversation(c *fiber.Ctx) error {
	mode := portal.SelectByUser
	if c.QueryBool("auto") {
		mode = portal.SelectAuto
	}
	err := s.d.Engine.SelectConversation(c.UserContext(), c.Params("id"), mode)
	out := s.stateOut(s.d.Engine.Snapshot())
	if err != nil {
		// the cached transcript is still usable
		return c.Status(statusOf(err)).JSON(fiber.Map{"error": err.Error(), "state": out})
	}
	return c.JSON(out)
}

func (s *Server) deselect(c *fiber.Ctx) error {
	s.d.Engine.Deselect()
	return c.SendStatus(fiber.StatusNoContent)
}

type sendRequest struct {
	Text      string   `json:"text"`
	Type      string   `json:"type"`
	MediaURLs []string `json:"media_urls"`
}

func (s *Server) sendMessage(c *fiber.Ctx) error {
	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "bad body")
	}
	typ, err := model.ParseMessageType(req.Type)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	msg, err := s.d.Engine.SendMessage(c.UserContext(), c.Params("id"), req.Text, typ)
	if err != nil {
		body := fiber.Map{"error": err.Error()}
		if msg.ID != "" {
			body["message"] = s.messageOut(msg, s.d.Now())
		}
		return c.Status(statusOf(err)).JSON(body)
	}
	return c.Status(fiber.StatusCreated).JSON(s.messageOut(msg, s.d.Now()))
}

func (s *Server) sendBroadcast(c *fiber.Ctx) error {
	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "bad body")
	}
	res, err := s.d.Engine.SendBroadcast(c.UserContext(), c.Params("id"), req.Text, req.MediaURLs)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"total":   res.Total,
		"sent":    res.Sent,
		"failed":  res.Failed,
		"summary": humanize.Comma(int64(res.Sent)) + " of " + humanize.Comma(int64(res.Total)) + " delivered",
	})
}

func (s *Server) deleteConversation(c *fiber.Ctx) error {
	if err := s.d.Engine.DeleteConversation(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) openContact(c *fiber.Ctx) error {
	conv, err := s.d.Engine.OpenContact(c.UserContext(), c.Params("ref"))
	if err != nil {
		return err
	}
	return c.JSON(s.conversationOut(*conv, s.d.Now()))
}

func (s *Server) unreadTotal(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"total": s.d.Unread.Snapshot().Total})
}

func (s *Server) refreshUnread(c *fiber.Ctx) error {
	n, err := s.d.Unread.ForceRefresh(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"total": n})
}

type inboundRequest struct {
	From      string   `json:"from"`
	Body      string   `json:"body"`
	MediaURLs []string `json:"media_urls"`
}

const webhookKeyHeader = "X-Webhook-Key"

func (s *Server) inboundSMS(c *fiber.Ctx) error {
	if subtle.ConstantTimeCompare([]byte(c.Get(webhookKeyHeader)), []byte(s.d.WebhookKey)) != 1 {
		return fiber.NewError(fiber.StatusUnauthorized, "bad webhook key")
	}
	var req inboundRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "bad body")
	}
	if strings.TrimSpace(req.From) == "" {
		return errors.New("validation: empty sender")
	}
	m, err := s.d.Inbound.ReceiveInbound(c.UserContext(), req.From, req.Body, req.MediaURLs)
	if err != nil {
		return err
	}
	s.log.Info("inbound sms stored", zap.String("conversation", m.ConversationID), zap.String("message", m.ID))
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": m.ID, "conversation_id": m.ConversationID})
}
