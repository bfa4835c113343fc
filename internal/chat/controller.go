// Package chat keeps the conversation about the compared products: a
// greeting, the user's questions and the AI replies, in order.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qnb/shoppilot/internal/comparison"
	"github.com/qnb/shoppilot/internal/events"
	"github.com/qnb/shoppilot/internal/product"
	"github.com/qnb/shoppilot/internal/remote"
)

// ErrReplyPending is returned by Send while an earlier reply is outstanding.
var ErrReplyPending = errors.New("a reply is already pending")

// Role is the author of a message.
type Role string

const (
	RoleUser Role = remote.RoleUser
	RoleAI   Role = remote.RoleAI
)

// Message is one transcript entry.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Phase is the state of the conversation.
type Phase int

const (
	PhaseEmpty      Phase = iota // nothing selected
	PhaseWelcomed                // greeting shown
	PhaseConversing              // at least one question asked
)

func (p Phase) String() string {
	switch p {
	case PhaseEmpty:
		return "empty"
	case PhaseWelcomed:
		return "welcomed"
	case PhaseConversing:
		return "conversing"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(text []byte) error {
	for _, candidate := range []Phase{PhaseEmpty, PhaseWelcomed, PhaseConversing} {
		if string(text) == candidate.String() {
			*p = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown chat phase %q", text)
}

// Remote is the subset of the shopping API the controller needs.
// Implemented by remote.Client.
type Remote interface {
	PostMessage(ctx context.Context, token, sessionID, content string) (string, error)
	Compare(ctx context.Context, token string, req remote.CompareRequest) (string, error)
	ListMessages(ctx context.Context, token, sessionID string, limit, offset int) (remote.MessageList, error)
}

// Selection supplies the compared products. Implemented by
// comparison.Store.
type Selection interface {
	State() comparison.State
	Subscribe(h events.Handler) func()
}

// TokenSource returns the current bearer token, empty when signed out.
type TokenSource interface {
	Token() string
}

// historyPage is the page size used when loading a stored transcript.
const historyPage = 100

// Controller owns the transcript of the current comparison.
type Controller struct {
	remote    Remote
	selection Selection
	tokens    TokenSource
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	phase    Phase
	messages []Message
	pending  bool
	count    int    // products covered by the last greeting or notice
	epoch    uint64 // bumped by Reset; replies of an older epoch are dropped
}

// NewController creates a Controller with an empty transcript.
func NewController(r Remote, sel Selection, tokens TokenSource) *Controller {
	return &Controller{
		remote:    r,
		selection: sel,
		tokens:    tokens,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

func (c *Controller) token() string {
	if c.tokens == nil {
		return ""
	}
	return c.tokens.Token()
}

func (c *Controller) newMessage(role Role, content string) Message {
	return Message{ID: uuid.NewString(), Role: role, Content: content, CreatedAt: c.now().UTC()}
}

// Attach subscribes the controller to the selection's events: a cleared
// comparison or a new identity wipes the transcript, and selection changes
// update the greeting or append a notice. Events relayed from other
// instances are ignored.
func (c *Controller) Attach() (detach func()) {
	return c.selection.Subscribe(func(e events.Event) {
		if e.Remote {
			return
		}
		switch e.Type {
		case events.EventIdentityReset, events.EventCleared:
			c.Reset()
		case events.EventSelectionChanged:
			st := c.selection.State()
			c.ProductsChanged(st.Selection, st.SearchQuery)
		}
	})
}

// Welcome replaces the transcript with the greeting for products.
func (c *Controller) Welcome(products []product.Ref, query string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.welcomeLocked(products, query)
}

func (c *Controller) welcomeLocked(products []product.Ref, query string) {
	c.count = len(products)
	if len(products) == 0 {
		c.messages = nil
		c.phase = PhaseEmpty
		return
	}
	c.messages = []Message{c.newMessage(RoleAI, WelcomeText(len(products), products[0].Title, query))}
	c.phase = PhaseWelcomed
}

// ProductsChanged adapts the transcript to a new selection. Before any
// question the greeting is regenerated; during a conversation a shrinking
// selection appends a notice and the transcript is otherwise kept. An empty
// selection empties the transcript.
func (c *Controller) ProductsChanged(products []product.Ref, query string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(products)
	switch {
	case n == 0:
		c.epoch++
		c.pending = false
		c.welcomeLocked(nil, query)
	case c.phase != PhaseConversing:
		c.welcomeLocked(products, query)
	case n < c.count:
		c.messages = append(c.messages, c.newMessage(RoleAI, RemovedText(n, query)))
		c.count = n
	default:
		c.count = n
	}
}

// Send asks question about the selected products and returns the reply
// appended to the transcript. A blank question does nothing. With nothing
// selected a notice is appended instead and no request is made. Only one
// question may be outstanding; a second returns ErrReplyPending and appends
// nothing. Failures never surface: the apology becomes the reply.
func (c *Controller) Send(ctx context.Context, question string) (Message, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Message{}, nil
	}
	question = truncate(question, MaxMessageLength)

	st := c.selection.State()

	c.mu.Lock()
	if c.pending {
		c.mu.Unlock()
		return Message{}, ErrReplyPending
	}
	if len(st.Selection) == 0 {
		notice := c.newMessage(RoleAI, NoProductsNotice)
		c.messages = append(c.messages, notice)
		c.mu.Unlock()
		return notice, nil
	}
	c.messages = append(c.messages, c.newMessage(RoleUser, question))
	c.phase = PhaseConversing
	c.count = len(st.Selection)
	c.pending = true
	epoch := c.epoch
	c.mu.Unlock()

	content := c.ask(ctx, st, question)

	c.mu.Lock()
	defer c.mu.Unlock()
	reply := c.newMessage(RoleAI, content)
	if c.epoch != epoch {
		// transcript was wiped while waiting
		return reply, nil
	}
	c.messages = append(c.messages, reply)
	c.pending = false
	return reply, nil
}

func (c *Controller) ask(ctx context.Context, st comparison.State, question string) string {
	token := c.token()

	var reply string
	var err error
	if st.SessionID != "" && token != "" {
		reply, err = c.remote.PostMessage(ctx, token, st.SessionID, question)
	} else {
		reply, err = c.remote.Compare(ctx, token, remote.CompareRequest{
			Products:            remote.CompareProducts(st.Selection),
			UserQuestion:        question,
			OriginalSearchQuery: queryOrDefault(st.SearchQuery),
		})
	}
	if err != nil {
		c.logger.Warn("chat reply failed", "session_id", st.SessionID, "error", err)
		return Apology
	}
	if strings.TrimSpace(reply) == "" {
		c.logger.Warn("chat reply empty", "session_id", st.SessionID)
		return Apology
	}
	return reply
}

// LoadHistory replaces the transcript with the stored messages of
// sessionID. A session without messages gets the greeting for the current
// selection. Signed out, nothing is requested and remote.ErrUnauthenticated
// is returned; on a failed request the greeting is shown and the error
// returned.
func (c *Controller) LoadHistory(ctx context.Context, sessionID string) error {
	token := c.token()
	if token == "" {
		return remote.ErrUnauthenticated
	}

	var stored []remote.StoredMessage
	var loadErr error
	for offset := 0; ; {
		page, err := c.remote.ListMessages(ctx, token, sessionID, historyPage, offset)
		if err != nil {
			loadErr = err
			break
		}
		stored = append(stored, page.Items...)
		offset += len(page.Items)
		if len(page.Items) == 0 || offset >= page.Total {
			break
		}
	}

	st := c.selection.State()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.pending = false

	if loadErr != nil || len(stored) == 0 {
		c.welcomeLocked(st.Selection, st.SearchQuery)
		if loadErr != nil {
			return fmt.Errorf("loading chat history of session %s: %w", sessionID, loadErr)
		}
		return nil
	}

	c.messages = make([]Message, 0, len(stored))
	for _, m := range stored {
		msg := Message{ID: m.MessageID, Role: RoleAI, Content: m.MessageContent}
		if m.MessageType == remote.RoleUser {
			msg.Role = RoleUser
		}
		if t, err := time.Parse(time.RFC3339Nano, m.CreatedAt); err == nil {
			msg.CreatedAt = t.UTC()
		}
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		c.messages = append(c.messages, msg)
	}
	c.phase = PhaseConversing
	c.count = len(st.Selection)
	return nil
}

// Reset empties the transcript. A reply still outstanding is discarded.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.pending = false
	c.messages = nil
	c.phase = PhaseEmpty
	c.count = 0
}

// Snapshot is a point-in-time copy of the conversation.
type Snapshot struct {
	Phase    Phase     `json:"phase"`
	Pending  bool      `json:"pending"`
	Messages []Message `json:"messages"`
}

// Transcript returns a copy of the conversation.
func (c *Controller) Transcript() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Phase:    c.phase,
		Pending:  c.pending,
		Messages: append([]Message{}, c.messages...),
	}
}
