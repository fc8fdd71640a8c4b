// Package loader registers every service and interceptor via blank imports.
// Import it once from main (and from integration harnesses).
package loader

import (
	_ "github.com/MahdiBaghbani/davshare-go/internal/interceptors/ratelimit"
	_ "github.com/MahdiBaghbani/davshare-go/internal/services/api"
	_ "github.com/MahdiBaghbani/davshare-go/internal/services/dav"
	_ "github.com/MahdiBaghbani/davshare-go/internal/services/wellknown"
)
