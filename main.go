package main

import "nutriparse/cmd"

func main() {
	cmd.Execute()
}
