package main

import "github.com/gobby-dev/gobby/cmd"

func main() {
	cmd.Execute()
}
