package main

import (
	"github.com/veridian/sentinel/cmd/sentinel/commands"
)

func main() {
	commands.Execute()
}
