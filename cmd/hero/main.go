package main

import "github.com/dylandreimerink/hero/cmd/hero/cmd"

func main() {
	cmd.Execute()
}
