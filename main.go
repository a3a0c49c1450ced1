package main

import "github.com/jmehdipour/onboarding/cmd"

func main() {
	cmd.Execute()
}
