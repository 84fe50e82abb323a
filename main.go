package main

import "github.com/killallgit/thrive/cmd"

func main() {
	cmd.Execute()
}
