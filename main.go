package main

import "github.com/nextlevelbuilder/wabridge/cmd"

func main() {
	cmd.Execute()
}
