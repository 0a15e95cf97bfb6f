package main

import "github.com/crystaldolphin/cirno/cmd"

func main() {
	cmd.Execute()
}
