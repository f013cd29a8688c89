package main

import "github.com/nutriflow/zapgate/cmd"

func main() {
	cmd.Execute()
}
