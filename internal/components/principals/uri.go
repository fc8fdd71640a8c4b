// Package principals resolves DAV principal URIs to users and groups.
package principals

import "strings"

const (
	PrefixUsers  = "principals/users"
	PrefixGroups = "principals/groups"

	// PrefixLegacy is the v1 principal collection that predates per-type prefixes.
	PrefixLegacy = "principals"
)

// Split splits a principal URI at its last segment. Leading and trailing
// slashes are ignored.
func Split(uri string) (prefix, name string) {
	uri = strings.Trim(uri, "/")
	i := strings.LastIndex(uri, "/")
	if i < 0 {
		return "", uri
	}
	return uri[:i], uri[i+1:]
}

// ToV2 maps the legacy form principals/<name> to principals/users/<name>.
// Other URIs are returned trimmed but unchanged.
func ToV2(uri string) string {
	prefix, name := Split(uri)
	if prefix == PrefixLegacy {
		return PrefixUsers + "/" + name
	}
	return strings.Trim(uri, "/")
}

// ToV1 maps any principal to the legacy form principals/<name>.
func ToV1(uri string) string {
	_, name := Split(uri)
	return PrefixLegacy + "/" + name
}

// User returns the v2 principal URI of a user.
func User(uid string) string {
	return PrefixUsers + "/" + uid
}

// Group returns the principal URI of a group.
func Group(gid string) string {
	return PrefixGroups + "/" + gid
}

// IsUser reports whether uri is a v2 user principal.
func IsUser(uri string) bool {
	prefix, name := Split(uri)
	return prefix == PrefixUsers && name != ""
}

// IsGroup reports whether uri is a group principal.
func IsGroup(uri string) bool {
	prefix, name := Split(uri)
	return prefix == PrefixGroups && name != ""
}
