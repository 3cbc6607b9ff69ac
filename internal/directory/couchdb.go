package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// CouchDB view names under the Identity design document.
const (
	identityDesignDoc = "Identity"
	viewByAddress     = "by_address"
	viewByUserID      = "by_user_id"
	viewCertExpiry    = "cert_expiry_by_fingerprint"
)

// CouchDB queries identity documents through the Identity design document views.
type CouchDB struct {
	baseURL  string
	database string
	username string
	password string
	client   *http.Client
}

// NewCouchDB creates a CouchDB directory. baseURL is the server root,
// e.g. "http://127.0.0.1:5984", and database the identities database.
func NewCouchDB(baseURL, database, username, password string, timeout time.Duration) *CouchDB {
	return &CouchDB{
		baseURL:  strings.TrimRight(baseURL, "/"),
		database: database,
		username: username,
		password: password,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type viewResponse struct {
	Rows []viewRow `json:"rows"`
}

type viewRow struct {
	ID    string          `json:"id"`
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value"`
	Doc   json.RawMessage `json:"doc"`
}

// identityDoc is the subset of an Identity document used here.
type identityDoc struct {
	UserID  string            `json:"user_id"`
	Address string            `json:"address"`
	Enabled *bool             `json:"enabled"`
	Keys    map[string]string `json:"keys"`
}

// LookupAddress implements Directory using the by_address view.
func (c *CouchDB) LookupAddress(ctx context.Context, address string) (Result, error) {
	rows, err := c.queryView(ctx, viewByAddress, address)
	if err != nil {
		return Result{}, err
	}
	return identityFromRows(rows)
}

// LookupUser implements Directory using the by_user_id view.
func (c *CouchDB) LookupUser(ctx context.Context, userID string) (Result, error) {
	rows, err := c.queryView(ctx, viewByUserID, userID)
	if err != nil {
		return Result{}, err
	}
	return identityFromRows(rows)
}

// CertificateExpiry implements Directory using the cert_expiry_by_fingerprint
// view. The expiry date is the row value.
func (c *CouchDB) CertificateExpiry(ctx context.Context, fingerprint string) (Result, error) {
	rows, err := c.queryView(ctx, viewCertExpiry, fingerprint)
	if err != nil {
		return Result{}, err
	}
	if len(rows) == 0 {
		return Result{Status: NotFound}, nil
	}

	var expiry string
	if len(rows[0].Value) > 0 && string(rows[0].Value) != "null" {
		if err := json.Unmarshal(rows[0].Value, &expiry); err != nil {
			return Result{}, fmt.Errorf("decoding expiry for %s: %w", fingerprint, err)
		}
	}
	return Certificate(expiry), nil
}

func identityFromRows(rows []viewRow) (Result, error) {
	if len(rows) == 0 {
		return Result{Status: NotFound}, nil
	}

	var doc identityDoc
	if err := json.Unmarshal(rows[0].Doc, &doc); err != nil {
		return Result{}, fmt.Errorf("decoding identity document %s: %w", rows[0].ID, err)
	}

	if doc.Enabled != nil && !*doc.Enabled {
		return Result{Status: NotFound}, nil
	}
	if doc.UserID == "" {
		return Result{Status: NotFound}, nil
	}
	return Identity(doc.UserID, doc.Keys["pgp"]), nil
}

// queryView runs GET /<db>/_design/Identity/_view/<view>?key=<json>&reduce=false&include_docs=true.
func (c *CouchDB) queryView(ctx context.Context, view, key string) ([]viewRow, error) {
	jsonKey, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("encoding view key: %w", err)
	}

	q := url.Values{}
	q.Set("key", string(jsonKey))
	q.Set("reduce", "false")
	q.Set("include_docs", "true")

	endpoint := fmt.Sprintf("%s/%s/_design/%s/_view/%s?%s",
		c.baseURL, url.PathEscape(c.database), identityDesignDoc, view, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: querying %s: %v", ErrUnavailable, view, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: view %s returned status %d", ErrUnavailable, view, resp.StatusCode)
	}

	var result viewResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding view %s: %w", view, err)
	}
	return result.Rows, nil
}

var _ Directory = (*CouchDB)(nil)
