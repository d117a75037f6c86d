package main

import "github.com/example/campsniper/cmd"

func main() {
	cmd.Execute()
}
