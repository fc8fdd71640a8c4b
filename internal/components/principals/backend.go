package principals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"github.com/MahdiBaghbani/davshare-go/internal/components/identity"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/logutil"
)

var ErrNotFound = errors.New("principal not found")

const (
	TypeUser  = "user"
	TypeGroup = "group"
)

// Principal is a resolved user or group principal.
type Principal struct {
	URI         string `json:"uri"`
	DisplayName string `json:"displayname"`
	Email       string `json:"email,omitempty"`
	Type        string `json:"type"`
}

// MembershipProvider supplies groups from an external directory.
type MembershipProvider interface {
	GroupsForUser(ctx context.Context, uid string) ([]string, error)
	GroupExists(ctx context.Context, gid string) (bool, error)
}

// Backend resolves principals against the local user and group tables.
type Backend struct {
	users    identity.PartyRepo
	groups   identity.GroupRepo
	external MembershipProvider
	log      *slog.Logger
}

// NewBackend creates a principal backend. external may be nil.
func NewBackend(users identity.PartyRepo, groups identity.GroupRepo, external MembershipProvider, log *slog.Logger) *Backend {
	return &Backend{
		users:    users,
		groups:   groups,
		external: external,
		log:      logutil.NoopIfNil(log),
	}
}

// GetPrincipalByPath looks up a principal. Legacy v1 user URIs are accepted.
func (b *Backend) GetPrincipalByPath(ctx context.Context, uri string) (*Principal, error) {
	uri = ToV2(uri)
	prefix, name := Split(uri)
	if name == "" {
		return nil, ErrNotFound
	}

	switch prefix {
	case PrefixUsers:
		u, err := b.users.GetByUsername(ctx, name)
		if errors.Is(err, identity.ErrUserNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("lookup user %s: %w", name, err)
		}
		return userPrincipal(u), nil
	case PrefixGroups:
		g, err := b.groups.GetGroup(ctx, name)
		if errors.Is(err, identity.ErrGroupNotFound) {
			if b.external == nil {
				return nil, ErrNotFound
			}
			ok, err := b.external.GroupExists(ctx, name)
			if err != nil {
				return nil, fmt.Errorf("lookup directory group %s: %w", name, err)
			}
			if !ok {
				return nil, ErrNotFound
			}
			return &Principal{URI: uri, DisplayName: name, Type: TypeGroup}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("lookup group %s: %w", name, err)
		}
		display := g.DisplayName
		if display == "" {
			display = g.GID
		}
		return &Principal{URI: uri, DisplayName: display, Type: TypeGroup}, nil
	default:
		return nil, ErrNotFound
	}
}

// Exists reports whether the user or group behind uri exists.
func (b *Backend) Exists(ctx context.Context, uri string) (bool, error) {
	_, err := b.GetPrincipalByPath(ctx, uri)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// FindByURI resolves a sharee href to a principal URI. Accepted forms are
// principal:<uri>, a bare principal path and mailto:<email>. Returns "" when
// nothing matches.
func (b *Backend) FindByURI(ctx context.Context, href string) (string, error) {
	href = strings.TrimSpace(href)
	switch {
	case strings.HasPrefix(href, "principal:"):
		return ToV2(strings.TrimPrefix(href, "principal:")), nil
	case strings.HasPrefix(strings.ToLower(href), "mailto:"):
		addr, err := url.PathUnescape(href[len("mailto:"):])
		if err != nil {
			return "", nil
		}
		u, err := b.users.GetByEmail(ctx, addr)
		if errors.Is(err, identity.ErrUserNotFound) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("lookup email: %w", err)
		}
		return User(u.Username), nil
	default:
		// Absolute hrefs carry the DAV root in front of the principal path.
		if i := strings.Index(href, "principals/"); i >= 0 {
			return ToV2(href[i:]), nil
		}
		return "", nil
	}
}

// GetGroupMembership returns the group principals a user belongs to, merging
// local groups with the external directory. Directory errors are logged and
// the local result is returned.
func (b *Backend) GetGroupMembership(ctx context.Context, uri string) ([]string, error) {
	uri = ToV2(uri)
	if !IsUser(uri) {
		return nil, nil
	}
	_, uid := Split(uri)

	gids, err := b.groups.GroupsForUser(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("group membership for %s: %w", uid, err)
	}

	seen := make(map[string]bool, len(gids))
	for _, g := range gids {
		seen[g] = true
	}
	if b.external != nil {
		extra, err := b.external.GroupsForUser(ctx, uid)
		if err != nil {
			b.log.Warn("external group membership lookup failed", "uid", uid, "error", err)
		}
		for _, g := range extra {
			if !seen[g] {
				seen[g] = true
				gids = append(gids, g)
			}
		}
	}

	sort.Strings(gids)
	out := make([]string, len(gids))
	for i, g := range gids {
		out[i] = Group(g)
	}
	return out, nil
}

// List returns every local user and group principal.
func (b *Backend) List(ctx context.Context) ([]*Principal, error) {
	users, err := b.users.List(ctx)
	if err != nil {
		return nil, err
	}
	groups, err := b.groups.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Principal, 0, len(users)+len(groups))
	for _, u := range users {
		out = append(out, userPrincipal(u))
	}
	for _, g := range groups {
		out = append(out, &Principal{URI: Group(g.GID), DisplayName: g.DisplayName, Type: TypeGroup})
	}
	return out, nil
}

func userPrincipal(u *identity.User) *Principal {
	display := u.DisplayName
	if display == "" {
		display = u.Username
	}
	return &Principal{
		URI:         User(u.Username),
		DisplayName: display,
		Email:       u.Email,
		Type:        TypeUser,
	}
}
