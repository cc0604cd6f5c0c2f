package main

import (
	"embed"
	"io/fs"

	"github.com/gluk-w/webssh/internal/cmd"
)

//go:embed static
var staticFS embed.FS

func main() {
	assets, _ := fs.Sub(staticFS, "static")
	cmd.StaticFS = assets
	cmd.Execute()
}
