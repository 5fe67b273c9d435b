package main

import "github.com/DataDog/zkrecipes/cmd/zkrecipes/commands"

func main() {
	commands.Execute()
}
