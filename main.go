package main

import "github.com/John-ltf/IoT-functions/cmd"

func main() {
	cmd.Execute()
}
