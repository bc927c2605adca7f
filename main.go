package main

import (
	"github.com/gitopsd/gitopsd/cmd"
)

func main() {
	cmd.Execute()
}
