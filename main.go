package main

import "github.com/jake-scott/net2-doors/cmd"

func main() {
	cmd.Execute()
}
