package directory

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// LDAPConfig configures the LDAP directory.
type LDAPConfig struct {
	URL             string
	BindDN          string
	BindPassword    string
	BaseDN          string
	CertificateBase string
	UserIDAttr      string
	AddressAttr     string
	LoginAttr       string
	PublicKeyAttr   string
	EnabledAttr     string
	FingerprintAttr string
	ExpiryAttr      string
	Timeout         time.Duration
}

// LDAP looks identities up in an LDAP tree. Each query uses its own
// connection so a dropped server connection never poisons later lookups.
type LDAP struct {
	cfg LDAPConfig
}

// NewLDAP creates an LDAP directory.
func NewLDAP(cfg LDAPConfig) *LDAP {
	if cfg.CertificateBase == "" {
		cfg.CertificateBase = cfg.BaseDN
	}
	return &LDAP{cfg: cfg}
}

// LookupAddress implements Directory. Keys containing "@" are matched
// against the address attribute, other keys against the login attribute.
func (l *LDAP) LookupAddress(ctx context.Context, address string) (Result, error) {
	entry, err := l.searchOne(ctx, l.cfg.BaseDN, l.addressFilter(address), l.identityAttributes())
	if err != nil {
		return Result{}, err
	}
	return l.identityFromEntry(entry), nil
}

// LookupUser implements Directory.
func (l *LDAP) LookupUser(ctx context.Context, userID string) (Result, error) {
	filter := fmt.Sprintf("(%s=%s)", l.cfg.UserIDAttr, ldap.EscapeFilter(userID))
	entry, err := l.searchOne(ctx, l.cfg.BaseDN, filter, l.identityAttributes())
	if err != nil {
		return Result{}, err
	}
	return l.identityFromEntry(entry), nil
}

// CertificateExpiry implements Directory.
func (l *LDAP) CertificateExpiry(ctx context.Context, fingerprint string) (Result, error) {
	filter := fmt.Sprintf("(%s=%s)", l.cfg.FingerprintAttr, ldap.EscapeFilter(fingerprint))
	entry, err := l.searchOne(ctx, l.cfg.CertificateBase, filter, []string{l.cfg.ExpiryAttr})
	if err != nil {
		return Result{}, err
	}
	if entry == nil {
		return Result{Status: NotFound}, nil
	}
	return Certificate(normalizeExpiry(entry.GetAttributeValue(l.cfg.ExpiryAttr))), nil
}

func (l *LDAP) addressFilter(key string) string {
	if strings.Contains(key, "@") {
		return fmt.Sprintf("(%s=%s)", l.cfg.AddressAttr, ldap.EscapeFilter(key))
	}
	return fmt.Sprintf("(%s=%s)", l.cfg.LoginAttr, ldap.EscapeFilter(key))
}

func (l *LDAP) identityAttributes() []string {
	attrs := []string{l.cfg.UserIDAttr, l.cfg.PublicKeyAttr}
	if l.cfg.EnabledAttr != "" {
		attrs = append(attrs, l.cfg.EnabledAttr)
	}
	return attrs
}

func (l *LDAP) identityFromEntry(entry *ldap.Entry) Result {
	if entry == nil {
		return Result{Status: NotFound}
	}
	if l.cfg.EnabledAttr != "" {
		switch strings.ToLower(entry.GetAttributeValue(l.cfg.EnabledAttr)) {
		case "false", "no", "0", "disabled":
			return Result{Status: NotFound}
		}
	}
	userID := entry.GetAttributeValue(l.cfg.UserIDAttr)
	if userID == "" {
		return Result{Status: NotFound}
	}
	return Identity(userID, entry.GetAttributeValue(l.cfg.PublicKeyAttr))
}

// searchOne returns the first entry matching filter, or nil when there is none.
func (l *LDAP) searchOne(ctx context.Context, baseDN, filter string, attrs []string) (*ldap.Entry, error) {
	conn, err := l.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	timeLimit := 0
	if l.cfg.Timeout > 0 {
		timeLimit = int(l.cfg.Timeout.Seconds())
	}

	req := ldap.NewSearchRequest(
		baseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 1, timeLimit, false,
		filter,
		attrs,
		nil,
	)

	res, err := conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		if ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) && res != nil && len(res.Entries) > 0 {
			return res.Entries[0], nil
		}
		return nil, fmt.Errorf("%w: ldap search: %v", ErrUnavailable, err)
	}
	if len(res.Entries) == 0 {
		return nil, nil
	}
	return res.Entries[0], nil
}

func (l *LDAP) dial(ctx context.Context) (*ldap.Conn, error) {
	dialer := &net.Dialer{Timeout: l.cfg.Timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	conn, err := ldap.DialURL(l.cfg.URL, ldap.DialWithDialer(dialer))
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %v", ErrUnavailable, l.cfg.URL, err)
	}
	if l.cfg.Timeout > 0 {
		conn.SetTimeout(l.cfg.Timeout)
	}

	if l.cfg.BindDN != "" {
		if err := conn.Bind(l.cfg.BindDN, l.cfg.BindPassword); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: binding as %s: %v", ErrUnavailable, l.cfg.BindDN, err)
		}
	}
	return conn, nil
}

// normalizeExpiry accepts YYYY-MM-DD as is and converts LDAP GeneralizedTime
// (YYYYMMDDHHMMSSZ) to YYYY-MM-DD.
func normalizeExpiry(v string) string {
	if v == "" {
		return ""
	}
	if t, err := ber.ParseGeneralizedTime([]byte(v)); err == nil {
		return t.UTC().Format(time.DateOnly)
	}
	return v
}

var _ Directory = (*LDAP)(nil)
