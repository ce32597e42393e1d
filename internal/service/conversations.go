// Package service contains the validating application services the agent runs on:
// conversations, messages and their SMS delivery.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/rxportal/internal/errs"
	"github.com/and161185/rxportal/internal/model"
	"github.com/and161185/rxportal/internal/repository"
	"github.com/and161185/rxportal/internal/sms"
)

// ConversationService is the backend surface the sync engine talks to.
type ConversationService interface {
	// List returns all conversations with embedded display data.
	List(ctx context.Context) ([]model.Conversation, error)
	// Get returns one conversation with embedded display data.
	Get(ctx context.Context, id string) (*model.Conversation, error)
	// Messages returns the transcript of a conversation.
	Messages(ctx context.Context, conversationID string) ([]model.Message, error)
	// Send stores a staff message and delivers it to the conversation's contact.
	Send(ctx context.Context, m model.Message) (model.Message, error)
	// Record stores a message without delivering it.
	Record(ctx context.Context, m model.Message) (model.Message, error)
	// EnsureDirect returns the direct conversation of a contact, creating it if needed.
	EnsureDirect(ctx context.Context, contactID string) (*model.Conversation, error)
	// OpenDirect resolves a contact reference (id or slug) to its direct conversation.
	OpenDirect(ctx context.Context, ref string) (*model.Conversation, error)
	// ResetUnread zeroes the unread count of a conversation.
	ResetUnread(ctx context.Context, id string) error
	// UnreadTotal returns the authoritative unread aggregate.
	UnreadTotal(ctx context.Context) (int, error)
	// Delete removes a conversation with its messages and participants.
	Delete(ctx context.Context, id string) error
}

type ConversationServiceImpl struct {
	convs    repository.ConversationRepository
	msgs     repository.MessageRepository
	contacts repository.ContactRepository
	gw       sms.Gateway
	loc      model.Location
	log      *zap.Logger
}

// NewConversationService wires repositories and the SMS gateway for one location.
func NewConversationService(
	convs repository.ConversationRepository,
	msgs repository.MessageRepository,
	contacts repository.ContactRepository,
	gw sms.Gateway,
	loc model.Location,
	log *zap.Logger,
) *ConversationServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConversationServiceImpl{convs: convs, msgs: msgs, contacts: contacts, gw: gw, loc: loc, log: log}
}

// Location returns the location the service operates in.
func (s *ConversationServiceImpl) Location() model.Location { return s.loc }

func (s *ConversationServiceImpl) List(ctx context.Context) ([]model.Conversation, error) {
	return s.convs.List(ctx)
}

func (s *ConversationServiceImpl) Get(ctx context.Context, id string) (*model.Conversation, error) {
	if id == "" {
		return nil, errors.New("validation: empty conversation id")
	}
	return s.convs.Get(ctx, id)
}

func (s *ConversationServiceImpl) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	if conversationID == "" {
		return nil, errors.New("validation: empty conversation id")
	}
	return s.msgs.ListByConversation(ctx, conversationID)
}

func validateMessage(m model.Message) error {
	if m.ConversationID == "" {
		return errors.New("validation: empty conversation id")
	}
	if strings.TrimSpace(m.Text) == "" && len(m.MediaURLs) == 0 {
		return errors.New("validation: empty message")
	}
	if n := utf8.RuneCountInString(m.Text); n > model.MaxTextLen {
		return fmt.Errorf("validation: message is %d characters, limit is %d", n, model.MaxTextLen)
	}
	if _, err := model.ParseSender(string(m.Sender)); err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	if _, err := model.ParseMessageType(string(m.Type)); err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	return nil
}

// Record inserts m and refreshes the conversation preview. The preview update is
// best effort.
func (s *ConversationServiceImpl) Record(ctx context.Context, m model.Message) (model.Message, error) {
	if m.Sender == "" {
		m.Sender = model.SenderStaff
	}
	if err := validateMessage(m); err != nil {
		return model.Message{}, err
	}
	stored, err := s.msgs.Insert(ctx, m)
	if err != nil {
		return model.Message{}, err
	}
	if err := s.convs.Touch(ctx, stored.ConversationID, preview(stored), stored.CreatedAt); err != nil {
		s.log.Warn("preview update failed", zap.String("conversation", stored.ConversationID), zap.Error(err))
	}
	return stored, nil
}

// Send records a staff message, then delivers it over SMS to the conversation's
// primary contact. A delivery failure returns the stored message together with an
// error wrapping errs.ErrDeliveryFailed.
func (s *ConversationServiceImpl) Send(ctx context.Context, m model.Message) (model.Message, error) {
	m.Sender = model.SenderStaff
	if err := validateMessage(m); err != nil {
		return model.Message{}, err
	}
	conv, err := s.convs.Get(ctx, m.ConversationID)
	if err != nil {
		return model.Message{}, err
	}
	if conv.IsBroadcast() {
		return model.Message{}, errors.New("validation: use broadcast fan-out for broadcast threads")
	}
	stored, err := s.Record(ctx, m)
	if err != nil {
		return model.Message{}, err
	}
	if stored.Type == model.TypeSystem || conv.Contact == nil || conv.Contact.Phone == "" {
		return stored, nil
	}

	res, err := s.gw.Send(ctx, sms.Request{
		To:        []string{conv.Contact.Phone},
		Body:      stored.Text,
		MediaURLs: stored.MediaURLs,
		From:      s.loc.OutboundNumber,
	})
	if err != nil {
		return stored, fmt.Errorf("%w: %v", errs.ErrDeliveryFailed, err)
	}
	if sms.Delivered(res) == 0 {
		var cause error
		if len(res) > 0 {
			cause = res[0].Err
		}
		return stored, fmt.Errorf("%w: %v", errs.ErrDeliveryFailed, cause)
	}
	return stored, nil
}

func preview(m model.Message) string {
	if m.Text != "" {
		return m.Text
	}
	if len(m.MediaURLs) > 0 {
		return "[attachment]"
	}
	return ""
}

// EnsureDirect finds the direct conversation of a contact or creates it. A
// concurrent create is resolved by re-reading the winner.
func (s *ConversationServiceImpl) EnsureDirect(ctx context.Context, contactID string) (*model.Conversation, error) {
	if contactID == "" {
		return nil, errors.New("validation: empty contact id")
	}
	c, err := s.convs.FindDirect(ctx, contactID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}
	created, err := s.convs.Create(ctx, model.NewConversation{
		ContactID:      contactID,
		LocationID:     s.loc.ID,
		Status:         model.StatusNew,
		ParticipantIDs: []string{contactID},
	})
	if errors.Is(err, errs.ErrAlreadyExists) {
		return s.convs.FindDirect(ctx, contactID)
	}
	if err != nil {
		return nil, err
	}
	return s.convs.Get(ctx, created.ID)
}

func (s *ConversationServiceImpl) resolveContact(ctx context.Context, ref string) (*model.Contact, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.New("validation: empty contact reference")
	}
	if id, err := uuid.FromString(ref); err == nil {
		return s.contacts.GetByID(ctx, id.String())
	}
	return s.contacts.GetBySlug(ctx, ref)
}

// OpenDirect resolves ref to a contact and returns its direct conversation. When the
// contact is a saved record with a phone number, a conversation previously held by
// the matching phone placeholder is moved onto it first; that step never fails the call.
func (s *ConversationServiceImpl) OpenDirect(ctx context.Context, ref string) (*model.Conversation, error) {
	contact, err := s.resolveContact(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !contact.IsPlaceholder() && contact.Phone != "" {
		if c, ok := s.adoptPlaceholder(ctx, contact); ok {
			return c, nil
		}
	}
	return s.EnsureDirect(ctx, contact.ID)
}

func (s *ConversationServiceImpl) adoptPlaceholder(ctx context.Context, contact *model.Contact) (*model.Conversation, bool) {
	slug := model.PlaceholderSlug(contact.Phone, s.loc.Suffix())
	log := s.log.With(zap.String("contact", contact.ID))

	ph, err := s.contacts.GetBySlug(ctx, slug)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			log.Warn("placeholder lookup failed", zap.Error(err))
		}
		return nil, false
	}
	if ph.ID == contact.ID {
		return nil, false
	}
	phConv, err := s.convs.FindDirect(ctx, ph.ID)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			log.Warn("placeholder conversation lookup failed", zap.Error(err))
		}
		return nil, false
	}
	if _, err := s.convs.FindDirect(ctx, contact.ID); err == nil {
		return nil, false
	}
	if err := s.convs.ReassignContact(ctx, phConv.ID, ph.ID, contact.ID); err != nil {
		log.Warn("placeholder migration failed", zap.String("conversation", phConv.ID), zap.Error(err))
		return nil, false
	}
	log.Info("placeholder conversation migrated", zap.String("conversation", phConv.ID))
	c, err := s.convs.Get(ctx, phConv.ID)
	if err != nil {
		return nil, false
	}
	return c, true
}

// ReceiveInbound stores a patient message from phone, creating the phone placeholder
// contact and its direct conversation when the number is unknown.
func (s *ConversationServiceImpl) ReceiveInbound(ctx context.Context, from, body string, media []string) (model.Message, error) {
	digits := model.NormalizePhone(from)
	if len(digits) < 7 {
		return model.Message{}, errors.New("validation: bad sender number")
	}
	contact, err := s.contacts.EnsureBySlug(ctx, model.Contact{
		Slug:       model.PlaceholderSlug(digits, s.loc.Suffix()),
		Phone:      digits,
		LocationID: s.loc.ID,
	})
	if err != nil {
		return model.Message{}, err
	}
	conv, err := s.EnsureDirect(ctx, contact.ID)
	if err != nil {
		return model.Message{}, err
	}
	typ := model.TypeText
	if len(media) > 0 {
		typ = model.TypeAttachment
	}
	return s.Record(ctx, model.Message{
		ConversationID: conv.ID,
		Sender:         model.SenderPatient,
		Type:           typ,
		Text:           body,
		MediaURLs:      media,
	})
}

func (s *ConversationServiceImpl) ResetUnread(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("validation: empty conversation id")
	}
	return s.convs.ResetUnread(ctx, id)
}

func (s *ConversationServiceImpl) UnreadTotal(ctx context.Context) (int, error) {
	return s.convs.UnreadTotal(ctx)
}

func (s *ConversationServiceImpl) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("validation: empty conversation id")
	}
	return s.convs.Delete(ctx, id)
}
