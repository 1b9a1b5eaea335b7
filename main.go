package main

import "github.com/corvidio/sentinel/cmd"

func main() {
	cmd.Execute()
}
