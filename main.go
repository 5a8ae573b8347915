package main

import (
	"dirpull/cmd"
)

func main() {
	cmd.Execute()
}
