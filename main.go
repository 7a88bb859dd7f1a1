package main

import "card-deal-alerts/internal/cli"

func main() {
	cli.Execute()
}
