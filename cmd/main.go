package main

import "github.com/stakestar/tvpbot/cli"

var (
	AppName = "TVP Bot"
	Version = "latest"
)

func main() {
	cli.Execute(AppName, Version)
}
