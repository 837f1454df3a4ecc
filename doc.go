// Package main provides the signwrap CLI, a wrapper that runs a code
// signing tool against a ZIP-carrying executable repeatedly, resizing the
// archive's trailing comment field until the appended signature fits it.
//
// For the library API, see the signwrap subpackage:
//
//	import "github.com/signwrap/signwrap/pkg/signwrap"
//
// # Installation
//
// Install the CLI:
//
//	go install github.com/signwrap/signwrap@latest
package main
