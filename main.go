package main

import "github.com/opencompute/Kaetram-Open/cli"

func main() {
	cli.Execute()
}
