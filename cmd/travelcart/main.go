package main

import "github.com/jidegrand/travelcart/internal/cli"

func main() {
	cli.Execute()
}
