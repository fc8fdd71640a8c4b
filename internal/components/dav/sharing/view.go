package sharing

import (
	"strings"

	"github.com/MahdiBaghbani/davshare-go/internal/components/principals"
)

const viewSeparator = "_shared_by_"

// ViewURI is the name a shared collection has in the sharee's home.
func ViewURI(uri, owner string) string {
	_, uid := principals.Split(owner)
	return uri + viewSeparator + uid
}

// ParseViewURI splits a shared view name into the owner's collection uri
// and the owner uid.
func ParseViewURI(name string) (uri, ownerUID string, ok bool) {
	i := strings.LastIndex(name, viewSeparator)
	if i <= 0 {
		return "", "", false
	}
	uri, ownerUID = name[:i], name[i+len(viewSeparator):]
	if ownerUID == "" {
		return "", "", false
	}
	return uri, ownerUID, true
}
