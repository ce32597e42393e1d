package portal

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/and161185/rxportal/internal/errs"
	"github.com/and161185/rxportal/internal/model"
	"github.com/and161185/rxportal/internal/service"
)

// fakeBackend is an in-memory ConversationService. It mimics the backend's
// unread semantics: staff messages zero the count.
type fakeBackend struct {
	mu       sync.Mutex
	convs    map[string]*model.Conversation
	msgs     map[string][]model.Message
	deferred map[string][]model.Message // released after the first Messages call
	nextID   int
	now      func() time.Time

	listErr   error
	msgsErr   error
	sendErr   error
	resetErr  error
	deleteErr error
	failSend  map[string]bool // conversation id -> delivery failure

	onReset    func() // runs before ResetUnread takes effect
	sendGate   chan struct{}
	msgCalls   map[string]int
	resetCalls []string
	deletes    []string
	sends      []model.Message
	records    []model.Message
}

var _ service.ConversationService = (*fakeBackend)(nil)

func newFakeBackend(now func() time.Time) *fakeBackend {
	return &fakeBackend{
		convs:    map[string]*model.Conversation{},
		msgs:     map[string][]model.Message{},
		deferred: map[string][]model.Message{},
		failSend: map[string]bool{},
		msgCalls: map[string]int{},
		now:      now,
	}
}

func (f *fakeBackend) add(c model.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs[c.ID] = &c
}

func (f *fakeBackend) addMessage(m model.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs[m.ConversationID] = append(f.msgs[m.ConversationID], m)
}

func (f *fakeBackend) unread(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convs[id].UnreadCount
}

func (f *fakeBackend) calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgCalls[id]
}

func (f *fakeBackend) set(fn func(f *fakeBackend)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeBackend) List(context.Context) ([]model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]model.Conversation, 0, len(f.convs))
	for _, c := range f.convs {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeBackend) Get(_ context.Context, id string) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeBackend) Messages(_ context.Context, id string) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgCalls[id]++
	if f.msgsErr != nil {
		return nil, f.msgsErr
	}
	out := slices.Clone(f.msgs[id])
	if d, ok := f.deferred[id]; ok {
		delete(f.deferred, id)
		f.msgs[id] = append(f.msgs[id], d...)
	}
	return out, nil
}

func (f *fakeBackend) store(m model.Message) model.Message {
	f.nextID++
	m.ID = fmt.Sprintf("srv-%d", f.nextID)
	m.CreatedAt = f.now()
	f.msgs[m.ConversationID] = append(f.msgs[m.ConversationID], m)
	if c, ok := f.convs[m.ConversationID]; ok {
		c.LastMessage = m.Text
		c.LastMessageAt = m.CreatedAt
		if m.Sender == model.SenderStaff {
			c.UnreadCount = 0
		}
	}
	return m
}

func (f *fakeBackend) Send(_ context.Context, m model.Message) (model.Message, error) {
	f.mu.Lock()
	gate := f.sendGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return model.Message{}, f.sendErr
	}
	m.Sender = model.SenderStaff
	stored := f.store(m)
	f.sends = append(f.sends, stored)
	if f.failSend[m.ConversationID] {
		return stored, fmt.Errorf("%w: carrier rejected", errs.ErrDeliveryFailed)
	}
	return stored, nil
}

func (f *fakeBackend) Record(_ context.Context, m model.Message) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := f.store(m)
	f.records = append(f.records, stored)
	return stored, nil
}

func (f *fakeBackend) EnsureDirect(_ context.Context, contactID string) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if contactID == "" {
		return nil, fmt.Errorf("validation: empty contact id")
	}
	for _, c := range f.convs {
		if c.ContactID == contactID && !c.IsBroadcast() {
			cp := *c
			return &cp, nil
		}
	}
	c := &model.Conversation{ID: "direct-" + contactID, ContactID: contactID, Status: model.StatusNew, CreatedAt: f.now()}
	f.convs[c.ID] = c
	cp := *c
	return &cp, nil
}

func (f *fakeBackend) OpenDirect(ctx context.Context, ref string) (*model.Conversation, error) {
	if ref == "missing" {
		return nil, errs.ErrNotFound
	}
	return f.EnsureDirect(ctx, ref)
}

func (f *fakeBackend) ResetUnread(_ context.Context, id string) error {
	f.mu.Lock()
	hook := f.onReset
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls = append(f.resetCalls, id)
	if f.resetErr != nil {
		return f.resetErr
	}
	if c, ok := f.convs[id]; ok {
		c.UnreadCount = 0
	}
	return nil
}

func (f *fakeBackend) UnreadTotal(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.convs {
		n += c.UnreadCount
	}
	return n, nil
}

func (f *fakeBackend) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.convs[id]; !ok {
		return errs.ErrNotFound
	}
	delete(f.convs, id)
	delete(f.msgs, id)
	f.deletes = append(f.deletes, id)
	return nil
}
