package main

import "github.com/vietddude/marketpulse/internal/cli"

func main() {
	cli.Execute()
}
