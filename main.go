package main

import (
	"github.com/lazuardy/storefront/cmd"
)

func main() {
	cmd.Start()
}
