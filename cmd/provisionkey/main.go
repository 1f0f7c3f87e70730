package main

import "github.com/tyler-james-bridges/provisionkey/cli/cmd"

func main() {
	cmd.Execute()
}
