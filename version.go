package main

import "github.com/fzft/go-reactor/cmd"

// Set with -ldflags "-X main.gitSHA1=...".
var (
	gitSHA1   string = "unknown"
	gitDirty  string = "unknown"
	buildDate string = "unknown"
)

func Version() string {
	return "go-reactor " + cmd.Version(gitSHA1, gitDirty) + " built " + buildDate
}
