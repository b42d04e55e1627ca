package main

import "github.com/nextlevelbuilder/maestro/cmd"

func main() {
	cmd.Execute()
}
