package main

import "github.com/forPelevin/voxprep/internal/cli"

func main() {
	cli.Main()
}
