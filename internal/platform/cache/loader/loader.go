// Package loader registers the bundled cache drivers via blank imports.
package loader

import (
	_ "github.com/MahdiBaghbani/davshare-go/internal/platform/cache/memory"
	_ "github.com/MahdiBaghbani/davshare-go/internal/platform/cache/redis"
)
