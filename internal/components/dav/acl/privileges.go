// Package acl evaluates WebDAV ACLs (RFC 3744) for calendar and address
// book collections, accepting both current and legacy principal URIs.
package acl

import "sort"

// Privileges in Clark notation.
const (
	All                         = "{DAV:}all"
	Read                        = "{DAV:}read"
	Write                       = "{DAV:}write"
	ReadACL                     = "{DAV:}read-acl"
	ReadCurrentUserPrivilegeSet = "{DAV:}read-current-user-privilege-set"
	ReadFreeBusy                = "{urn:ietf:params:xml:ns:caldav}read-free-busy"
	WriteACL                    = "{DAV:}write-acl"
	WriteProperties             = "{DAV:}write-properties"
	WriteContent                = "{DAV:}write-content"
	Bind                        = "{DAV:}bind"
	Unbind                      = "{DAV:}unbind"
	Unlock                      = "{DAV:}unlock"
)

// Pseudo principals.
const (
	PrincipalAll             = "{DAV:}all"
	PrincipalAuthenticated   = "{DAV:}authenticated"
	PrincipalUnauthenticated = "{DAV:}unauthenticated"
	PrincipalOwner           = "{DAV:}owner"
)

// Privilege is a node of the supported-privilege-set tree.
type Privilege struct {
	Name       string
	Abstract   bool
	Aggregates []Privilege
}

// SupportedPrivilegeSet returns the privilege tree.
func SupportedPrivilegeSet() Privilege {
	return Privilege{
		Name: All,
		Aggregates: []Privilege{
			{
				Name: Read,
				Aggregates: []Privilege{
					{Name: ReadACL},
					{Name: ReadCurrentUserPrivilegeSet},
					{Name: ReadFreeBusy},
				},
			},
			{
				Name: Write,
				Aggregates: []Privilege{
					{Name: WriteACL},
					{Name: WriteProperties},
					{Name: WriteContent},
					{Name: Bind},
					{Name: Unbind},
					{Name: Unlock},
				},
			},
		},
	}
}

var flat = flatten(SupportedPrivilegeSet())

// flatten maps each privilege to itself plus everything it aggregates.
func flatten(root Privilege) map[string][]string {
	out := make(map[string][]string)
	var walk func(p Privilege) []string
	walk = func(p Privilege) []string {
		names := []string{p.Name}
		for _, c := range p.Aggregates {
			names = append(names, walk(c)...)
		}
		out[p.Name] = names
		return names
	}
	walk(root)
	return out
}

// Expand returns privs plus every privilege they aggregate, sorted and
// de-duplicated. Unknown privileges are kept as-is.
func Expand(privs ...string) []string {
	seen := make(map[string]bool)
	for _, p := range privs {
		if sub, ok := flat[p]; ok {
			for _, s := range sub {
				seen[s] = true
			}
		} else {
			seen[p] = true
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
