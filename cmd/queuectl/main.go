// Package main provides queuectl, the operator CLI for the send queue API.
package main

import "github.com/campaign-sendqueue/cmd/queuectl/commands"

func main() {
	commands.Execute()
}
