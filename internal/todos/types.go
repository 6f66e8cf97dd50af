package todos

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

type ActionKind string

const (
	ActionSendMessage ActionKind = "send_message"
)

type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
}

// SendMessageContext is everything captured at enqueue time that the
// executor needs to issue the send later.
type SendMessageContext struct {
	Actor            string       `json:"actor"`
	Resource         string       `json:"resource"`
	Content          string       `json:"content"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	Mentions         []string     `json:"mentions,omitempty"`
	PendingMessageID string       `json:"pending_message_id,omitempty"`
}

type Todo struct {
	ID        string              `json:"id"`
	Owner     string              `json:"owner"`
	Resource  string              `json:"resource"`
	Kind      ActionKind          `json:"kind"`
	Status    Status              `json:"status"`
	Seq       int64               `json:"seq"`
	Message   *SendMessageContext `json:"message,omitempty"`
	Error     string              `json:"error,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// AddRequest describes a new send-message todo. Resource defaults to the
// message's target resource and vice versa.
type AddRequest struct {
	Owner            string       `json:"owner"`
	Resource         string       `json:"resource"`
	Actor            string       `json:"actor"`
	Content          string       `json:"content"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	Mentions         []string     `json:"mentions,omitempty"`
	PendingMessageID string       `json:"pending_message_id,omitempty"`
}

// Pair identifies one owner acting on one resource.
type Pair struct {
	Owner    string `json:"owner"`
	Resource string `json:"resource"`
}

func (p Pair) Key() string { return p.Owner + "\x00" + p.Resource }

type ChangeType string

const (
	ChangeAdded   ChangeType = "added"
	ChangeUpdated ChangeType = "updated"
	ChangeRemoved ChangeType = "removed"
)

// Change is emitted after every successful write to a store.
type Change struct {
	Type   ChangeType `json:"type"`
	Owner  string     `json:"owner"`
	Pair   Pair       `json:"pair"`
	TodoID string     `json:"todo_id,omitempty"`
	Status Status     `json:"status,omitempty"`
	At     time.Time  `json:"at"`
}

func (t Todo) Clone() Todo {
	out := t
	if t.Message != nil {
		msg := *t.Message
		if t.Message.Attachments != nil {
			msg.Attachments = append([]Attachment(nil), t.Message.Attachments...)
		}
		if t.Message.Mentions != nil {
			msg.Mentions = append([]string(nil), t.Message.Mentions...)
		}
		out.Message = &msg
	}
	return out
}

func (t Todo) Terminal() bool {
	return t.Status == StatusDone || t.Status == StatusFailed
}

func (t Todo) Pair() Pair { return Pair{Owner: t.Owner, Resource: t.Resource} }

// ValidTransition reports whether a status change is legal.
//
// Processing -> Pending is only used by boot-time recovery of todos left
// mid-flight by a crashed process; Failed -> Pending only by an explicit Retry.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusDone || to == StatusFailed || to == StatusPending
	case StatusFailed:
		return to == StatusPending
	case StatusDone:
		return false
	}
	return false
}
