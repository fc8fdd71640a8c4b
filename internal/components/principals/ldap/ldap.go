// Package ldap looks up group memberships in an LDAP directory.
package ldap

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/MahdiBaghbani/davshare-go/internal/platform/cache"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/logutil"
)

const (
	defaultGroupFilter   = "(&(objectClass=groupOfNames)(member=%s))"
	defaultGroupNameAttr = "cn"
	defaultTimeout       = 5 * time.Second
	membershipTTL        = time.Minute
)

// Config mirrors [principals.ldap].
type Config struct {
	URL                string
	BindDN             string
	BindPassword       string
	BaseDN             string
	GroupFilter        string
	MemberValue        string
	UserDNTemplate     string
	GroupNameAttr      string
	GroupLookupFilter  string
	StartTLS           bool
	InsecureSkipVerify bool
	Timeout            time.Duration
}

func (c *Config) applyDefaults() {
	if c.GroupFilter == "" {
		c.GroupFilter = defaultGroupFilter
	}
	if c.GroupNameAttr == "" {
		c.GroupNameAttr = defaultGroupNameAttr
	}
	if c.GroupLookupFilter == "" {
		c.GroupLookupFilter = "(&(objectClass=groupOfNames)(" + c.GroupNameAttr + "=%s))"
	}
	if c.MemberValue == "" {
		c.MemberValue = "uid"
		if c.UserDNTemplate != "" {
			c.MemberValue = "dn"
		}
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
}

// Conn is the subset of an LDAP connection the provider needs.
type Conn interface {
	Bind(username, password string) error
	Search(req *goldap.SearchRequest) (*goldap.SearchResult, error)
	Close()
}

// Dialer opens a connection.
type Dialer func(ctx context.Context) (Conn, error)

// Provider resolves group memberships with one search per lookup.
// Results are cached briefly when a cache is supplied.
type Provider struct {
	cfg   Config
	dial  Dialer
	cache cache.Cache
	log   *slog.Logger
}

// New creates a provider dialing cfg.URL. c may be nil.
func New(cfg Config, c cache.Cache, log *slog.Logger) *Provider {
	cfg.applyDefaults()
	p := &Provider{cfg: cfg, cache: c, log: logutil.NoopIfNil(log)}
	p.dial = p.dialURL
	return p
}

// NewWithDialer is New with a custom dialer.
func NewWithDialer(cfg Config, dial Dialer, c cache.Cache, log *slog.Logger) *Provider {
	p := New(cfg, c, log)
	p.dial = dial
	return p
}

type connAdapter struct {
	*goldap.Conn
}

func (c connAdapter) Close() {
	c.Conn.Close()
}

func (p *Provider) dialURL(ctx context.Context) (Conn, error) {
	d := &net.Dialer{Timeout: p.cfg.Timeout}
	tlsCfg := &tls.Config{InsecureSkipVerify: p.cfg.InsecureSkipVerify} //nolint:gosec // operator opt-in

	conn, err := goldap.DialURL(p.cfg.URL, goldap.DialWithDialer(d), goldap.DialWithTLSConfig(tlsCfg))
	if err != nil {
		return nil, err
	}
	conn.SetTimeout(p.cfg.Timeout)

	if p.cfg.StartTLS {
		if err := conn.StartTLS(tlsCfg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}
	return connAdapter{conn}, nil
}

// GroupsForUser returns the group names whose member attribute matches uid.
func (p *Provider) GroupsForUser(ctx context.Context, uid string) ([]string, error) {
	key := "principals:ldap:" + uid
	if p.cache != nil {
		if data, err := p.cache.Get(ctx, key); err == nil {
			var gids []string
			if json.Unmarshal(data, &gids) == nil {
				return gids, nil
			}
		} else if !errors.Is(err, cache.ErrNotFound) {
			p.log.Debug("ldap membership cache read failed", "error", err)
		}
	}

	gids, err := p.search(ctx, uid)
	if err != nil {
		return nil, err
	}

	if p.cache != nil {
		if data, err := json.Marshal(gids); err == nil {
			_ = p.cache.Set(ctx, key, data, membershipTTL)
		}
	}
	return gids, nil
}

// GroupExists reports whether the directory holds a group named gid.
func (p *Provider) GroupExists(ctx context.Context, gid string) (bool, error) {
	key := "principals:ldap:group:" + gid
	if p.cache != nil {
		if data, err := p.cache.Get(ctx, key); err == nil {
			return string(data) == "1", nil
		} else if !errors.Is(err, cache.ErrNotFound) {
			p.log.Debug("ldap group cache read failed", "error", err)
		}
	}

	names, err := p.query(ctx, fmt.Sprintf(p.cfg.GroupLookupFilter, goldap.EscapeFilter(gid)))
	if err != nil {
		return false, err
	}
	found := false
	for _, name := range names {
		if strings.EqualFold(name, gid) {
			found = true
			break
		}
	}

	if p.cache != nil {
		value := []byte("0")
		if found {
			value = []byte("1")
		}
		_ = p.cache.Set(ctx, key, value, membershipTTL)
	}
	return found, nil
}

func (p *Provider) search(ctx context.Context, uid string) ([]string, error) {
	member := uid
	if p.cfg.MemberValue == "dn" {
		member = fmt.Sprintf(p.cfg.UserDNTemplate, escapeDNValue(uid))
	}
	gids, err := p.query(ctx, fmt.Sprintf(p.cfg.GroupFilter, goldap.EscapeFilter(member)))
	if err != nil {
		return nil, err
	}
	p.log.Debug("ldap group membership resolved", "uid", uid, "groups", gids)
	return gids, nil
}

// query runs filter under the base DN and returns the group names found.
func (p *Provider) query(ctx context.Context, filter string) ([]string, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("ldap dial: %w", err)
	}
	defer conn.Close()

	if p.cfg.BindDN != "" {
		if err := conn.Bind(p.cfg.BindDN, p.cfg.BindPassword); err != nil {
			return nil, fmt.Errorf("ldap bind: %w", err)
		}
	}

	req := goldap.NewSearchRequest(
		p.cfg.BaseDN,
		goldap.ScopeWholeSubtree, goldap.NeverDerefAliases,
		0, int(p.cfg.Timeout/time.Second), false,
		filter,
		[]string{p.cfg.GroupNameAttr},
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("ldap search: %w", err)
	}

	names := make([]string, 0, len(res.Entries))
	for _, e := range res.Entries {
		name := strings.TrimSpace(e.GetAttributeValue(p.cfg.GroupNameAttr))
		if name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// escapeDNValue escapes an attribute value for use inside a DN (RFC 4514).
func escapeDNValue(v string) string {
	var sb strings.Builder
	for i, r := range v {
		switch {
		case strings.ContainsRune(`,+"\<>;=`, r),
			i == 0 && (r == ' ' || r == '#'),
			i == len(v)-1 && r == ' ':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
