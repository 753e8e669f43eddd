package main

import "github.com/quartzkv/quartz/cmd"

func main() {
	cmd.Execute()
}
