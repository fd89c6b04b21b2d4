package main

import "github.com/Scrowzerrz/botllm/cmd"

func main() {
	cmd.Execute()
}
