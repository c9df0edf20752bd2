package main

import "github.com/MaxSonchik/DevOS/cmd/dshark/commands"

func main() {
	commands.Execute()
}
