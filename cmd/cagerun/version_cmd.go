package main

import (
	"encoding/json"
	"fmt"

	"github.com/cagerun/cage/version"
)

// VersionCmd prints the build info the way the teacher's own version
// command does, reused verbatim since build-metadata reporting has no
// cage-specific semantics to adapt.
type VersionCmd struct{}

func (cmd *VersionCmd) Run(ctx *Context) error {
	info := version.Get()
	b, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal version info: %w", err)
	}
	fmt.Println(string(b))
	return nil
}
