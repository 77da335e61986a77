package main

import "price-presence-bot/internal/cli"

func main() {
	cli.Execute()
}
