package main

import "github.com/markb/tasklive/cmd"

func main() {
	cmd.Execute()
}
