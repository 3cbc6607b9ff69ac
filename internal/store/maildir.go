package store

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-message"
	"github.com/infodancer/msgstore"
	_ "github.com/infodancer/msgstore/maildir" // Register maildir storage backend

	"github.com/infodancer/mxd/internal/payload"
)

// Maildir hands documents to a msgstore delivery agent. Each document
// becomes a small RFC 5322 message whose body is the document JSON,
// delivered to <uuid>@<deliveryDomain>.
type Maildir struct {
	agent          msgstore.DeliveryAgent
	deliveryDomain string
	now            func() time.Time
}

// NewMaildir opens a maildir msgstore under basePath. Unless options say
// otherwise, each user gets <basePath>/<uuid>/Maildir.
func NewMaildir(basePath, deliveryDomain string, options map[string]string) (*Maildir, error) {
	opts := map[string]string{
		"maildir_subdir": "Maildir",
		"path_template":  "{localpart}",
	}
	for k, v := range options {
		opts[k] = v
	}

	s, err := msgstore.Open(msgstore.StoreConfig{
		Type:     "maildir",
		BasePath: basePath,
		Options:  opts,
	})
	if err != nil {
		return nil, fmt.Errorf("opening maildir store: %w", err)
	}
	return NewAgentStore(s, deliveryDomain), nil
}

// NewAgentStore wraps any msgstore delivery agent.
func NewAgentStore(agent msgstore.DeliveryAgent, deliveryDomain string) *Maildir {
	return &Maildir{agent: agent, deliveryDomain: deliveryDomain, now: time.Now}
}

// Put implements Store.
func (m *Maildir) Put(ctx context.Context, userID string, doc payload.Document) error {
	msg, err := m.render(userID, doc)
	if err != nil {
		return err
	}

	envelope := msgstore.Envelope{
		Recipients:   []string{userID + "@" + m.deliveryDomain},
		ReceivedTime: m.now(),
	}
	if err := m.agent.Deliver(ctx, envelope, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("delivering document %s: %w", doc.ID, err)
	}
	return nil
}

func (m *Maildir) render(userID string, doc payload.Document) ([]byte, error) {
	body, err := doc.Marshal()
	if err != nil {
		return nil, err
	}

	var h message.Header
	h.Set("Message-Id", "<"+doc.ID+"@"+m.deliveryDomain+">")
	h.Set("Date", m.now().UTC().Format(time.RFC1123Z))
	h.Set("To", userID+"@"+m.deliveryDomain)
	h.Set("Subject", "incoming document "+doc.ID)
	h.Set("X-Document-Id", doc.ID)
	h.SetContentType("application/json", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("writing message header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var _ Store = (*Maildir)(nil)
