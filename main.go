package main

import "github.com/ngld/webpipe/cmd"

func main() {
	cmd.Execute()
}
