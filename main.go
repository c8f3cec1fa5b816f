package main

import "github.com/Siddhant-K-code/repocache/cmd"

func main() {
	cmd.Execute()
}
