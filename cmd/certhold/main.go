package main

import "github.com/certhold/certhold/cmd/certhold/cmd"

func main() {
	cmd.Execute()
}
