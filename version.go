package main

import "fmt"

// Set with -ldflags "-X main.gitSHA1=..." at build time.
var (
	gitSHA1   string = "unknown"
	gitDirty  string = "unknown"
	buildID   string = "unknown"
	buildDate string = "unknown"
)

func Version() string {
	sha := gitSHA1
	if gitDirty != "unknown" && gitDirty != "0" {
		sha += "-dirty"
	}
	return fmt.Sprintf("go-prefork git:%s build:%s date:%s", sha, buildID, buildDate)
}
