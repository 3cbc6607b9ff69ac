package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/infodancer/mxd/internal/payload"
)

// CouchDB writes documents into the user's own database, user-<uuid>.
type CouchDB struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

// NewCouchDB creates a CouchDB store rooted at baseURL.
func NewCouchDB(baseURL, username, password string, timeout time.Duration) *CouchDB {
	return &CouchDB{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Put implements Store. The database must already exist.
func (c *CouchDB) Put(ctx context.Context, userID string, doc payload.Document) error {
	body, err := doc.Marshal()
	if err != nil {
		return err
	}

	u := c.baseURL + "/" + url.PathEscape("user-"+userID) + "/" + url.PathEscape(doc.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("couchdb put: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusAccepted:
		return nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: couchdb returned %d for user-%s/%s: %s",
			ErrRejected, resp.StatusCode, userID, doc.ID, strings.TrimSpace(string(msg)))
	}
}

var _ Store = (*CouchDB)(nil)
