package portal

import "github.com/and161185/rxportal/internal/model"

// Cache is the device-scoped persisted state of the engine. It is a hint only:
// correctness never depends on it.
type Cache interface {
	LastSelected() (string, error)
	SetLastSelected(id string) error
	Messages(conversationID string) ([]model.Message, error)
	SetMessages(conversationID string, msgs []model.Message) error
	Previews() (map[string]model.Preview, error)
	SetPreview(conversationID string, p model.Preview) error
	Deleted() (map[string]bool, error)
	// MarkDeleted records id in the deleted set and drops its cached state.
	MarkDeleted(id string) error
}

type nopCache struct{}

func (nopCache) LastSelected() (string, error)               { return "", nil }
func (nopCache) SetLastSelected(string) error                { return nil }
func (nopCache) Messages(string) ([]model.Message, error)    { return nil, nil }
func (nopCache) SetMessages(string, []model.Message) error   { return nil }
func (nopCache) Previews() (map[string]model.Preview, error) { return nil, nil }
func (nopCache) SetPreview(string, model.Preview) error      { return nil }
func (nopCache) Deleted() (map[string]bool, error)           { return nil, nil }
func (nopCache) MarkDeleted(string) error                    { return nil }
