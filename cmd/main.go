package main

import (
	cmd "github.com/willnjohnson/bilinguis-epub/cmd/bilinguis"
)

func main() {
	cmd.Execute()
}
