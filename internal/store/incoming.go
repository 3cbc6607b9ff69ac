package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/infodancer/mxd/internal/payload"
)

// Incoming delivers documents through the synchronization server's incoming
// API: PUT <url>/incoming/user-<uuid>/<doc_id> with the armored message as
// the body.
type Incoming struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewIncoming creates an incoming API store. token is sent base64-encoded
// in a "Token" Authorization header.
func NewIncoming(baseURL, token string, timeout time.Duration) *Incoming {
	return &Incoming{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Put implements Store.
func (i *Incoming) Put(ctx context.Context, userID string, doc payload.Document) error {
	u := i.baseURL + "/incoming/" + url.PathEscape("user-"+userID) + "/" + url.PathEscape(doc.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, strings.NewReader(doc.EncJSON))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if i.token != "" {
		req.Header.Set("Authorization", "Token "+base64.StdEncoding.EncodeToString([]byte(i.token)))
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("incoming api unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned status %d instead of 200", ErrRejected, u, resp.StatusCode)
	}
	return nil
}

var _ Store = (*Incoming)(nil)
