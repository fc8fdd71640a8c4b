package acl

import (
	"context"
	"fmt"
	"slices"

	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/exception"
	"github.com/MahdiBaghbani/davshare-go/internal/components/principals"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/appctx"
)

// ACE is one access control entry.
type ACE struct {
	Principal string
	Privilege string
	Protected bool
}

// Node is anything carrying an ACL.
type Node interface {
	// Owner returns the owning principal URI, or "".
	Owner() string
	ACL() []ACE
}

// MembershipResolver returns the group principals of a user principal.
type MembershipResolver interface {
	GetGroupMembership(ctx context.Context, uri string) ([]string, error)
}

// LegacyACL evaluates ACLs for the authenticated user in the request
// context. Principals are accepted both as principals/users/<uid> and in
// the legacy principals/<uid> form.
type LegacyACL struct {
	members MembershipResolver
}

func NewLegacyACL(members MembershipResolver) *LegacyACL {
	return &LegacyACL{members: members}
}

// CurrentUserPrincipal returns principals/users/<uid>, or "" when anonymous.
func (a *LegacyACL) CurrentUserPrincipal(ctx context.Context) string {
	uid := appctx.UserID(ctx)
	if uid == "" {
		return ""
	}
	return principals.User(uid)
}

// CurrentUserPrincipals returns the v2 principal, its legacy v1 form and
// the user's group principals.
func (a *LegacyACL) CurrentUserPrincipals(ctx context.Context) ([]string, error) {
	v2 := a.CurrentUserPrincipal(ctx)
	if v2 == "" {
		return nil, nil
	}
	v1 := principals.ToV1(v2)

	groups, err := a.members.GetGroupMembership(ctx, v1)
	if err != nil {
		return nil, fmt.Errorf("current user principals: %w", err)
	}
	return append([]string{v2, v1}, groups...), nil
}

// CurrentUserPrivilegeSet returns the expanded privileges the current user
// holds on node.
func (a *LegacyACL) CurrentUserPrivilegeSet(ctx context.Context, node Node) ([]string, error) {
	current, err := a.CurrentUserPrincipals(ctx)
	if err != nil {
		return nil, err
	}
	authenticated := len(current) > 0

	owner := principals.ToV2(node.Owner())
	var granted []string
	for _, ace := range node.ACL() {
		switch ace.Principal {
		case PrincipalAll:
			granted = append(granted, ace.Privilege)
		case PrincipalAuthenticated:
			if authenticated {
				granted = append(granted, ace.Privilege)
			}
		case PrincipalUnauthenticated:
			if !authenticated {
				granted = append(granted, ace.Privilege)
			}
		case PrincipalOwner:
			if owner != "" && slices.Contains(current, owner) {
				granted = append(granted, ace.Privilege)
			}
		default:
			if slices.Contains(current, principals.ToV2(ace.Principal)) {
				granted = append(granted, ace.Privilege)
			}
		}
	}
	return Expand(granted...), nil
}

// Check returns nil when the current user holds every privilege on node.
// Anonymous users get NotAuthenticated, others a need-privileges Forbidden
// naming the missing privileges.
func (a *LegacyACL) Check(ctx context.Context, node Node, href string, privileges ...string) error {
	set, err := a.CurrentUserPrivilegeSet(ctx, node)
	if err != nil {
		return err
	}
	var missing []string
	for _, p := range privileges {
		if !slices.Contains(set, p) {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if a.CurrentUserPrincipal(ctx) == "" {
		return exception.NotAuthenticated("No public access to this resource.")
	}
	return exception.NeedPrivileges(href, missing...)
}

// Has is Check without the error detail.
func (a *LegacyACL) Has(ctx context.Context, node Node, privilege string) bool {
	set, err := a.CurrentUserPrivilegeSet(ctx, node)
	return err == nil && slices.Contains(set, privilege)
}

// CollectionACL is the owner part of a calendar or address book ACL: the
// owner and its calendar-proxy-write principal get read and write, the
// calendar-proxy-read principal gets read. Calendars additionally grant
// read-free-busy to every authenticated user. Share entries are appended by
// the sharing backend.
func CollectionACL(owner string, calendar bool) []ACE {
	owner = principals.ToV2(owner)
	acl := []ACE{
		{Principal: owner, Privilege: Read, Protected: true},
		{Principal: owner + "/calendar-proxy-write", Privilege: Read, Protected: true},
		{Principal: owner + "/calendar-proxy-read", Privilege: Read, Protected: true},
		{Principal: owner, Privilege: Write, Protected: true},
		{Principal: owner + "/calendar-proxy-write", Privilege: Write, Protected: true},
	}
	if calendar {
		acl = append(acl, ACE{Principal: PrincipalAuthenticated, Privilege: ReadFreeBusy, Protected: true})
	}
	return acl
}

// OwnerOnlyACL grants read and write to the owner alone. Used for homes,
// subscriptions and principal resources.
func OwnerOnlyACL(owner string) []ACE {
	owner = principals.ToV2(owner)
	return []ACE{
		{Principal: owner, Privilege: Read, Protected: true},
		{Principal: owner, Privilege: Write, Protected: true},
	}
}

// ReadOnlyACL grants read to every authenticated user. Used for the DAV
// root and principal collections.
func ReadOnlyACL() []ACE {
	return []ACE{{Principal: PrincipalAuthenticated, Privilege: Read, Protected: true}}
}

// Resource is a Node with a fixed owner and ACL.
type Resource struct {
	OwnerPrincipal string
	Entries        []ACE
}

func (r Resource) Owner() string { return r.OwnerPrincipal }

func (r Resource) ACL() []ACE { return r.Entries }
