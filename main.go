package main

import "github.com/tahmil/tahmil/cmd"

func main() {
	cmd.Execute()
}
