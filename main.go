package main

import "github.com/pocketpaw/pocketpaw/cmd"

func main() {
	cmd.Execute()
}
