// Package dashboard provides the embedded webadmin page.
package dashboard

import (
	"embed"
	"io/fs"
)

//go:embed all:dist
var DistFS embed.FS

// Index returns the dashboard entry page.
func Index() ([]byte, error) {
	return fs.ReadFile(DistFS, "dist/index.html")
}
