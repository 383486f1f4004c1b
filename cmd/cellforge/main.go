// Package main is the single-binary entrypoint for cellforge.
// cellforge sizes standard cells with a policy-gradient loop driven by
// SPICE simulations — one binary, the simulator is the only external tool.
package main

import "github.com/cellforge-eda/cellforge/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
