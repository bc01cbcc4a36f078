package main

import "github.com/polarscope/runflow/cmd"

func main() {
	cmd.Execute()
}
