package main

import "github.com/vietddude/blockindex/internal/cli"

func main() {
	cli.Execute()
}
