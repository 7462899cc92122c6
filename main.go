package main

import "github.com/jmehdipour/credits-gateway/cmd"

func main() {
	cmd.Execute()
}
