package main

import "github.com/parkaudit/parkaudit/internal/cli"

func main() {
	cli.Execute()
}
