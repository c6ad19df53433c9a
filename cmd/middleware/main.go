package main

import "github.com/ramiqadoumi/audio-task-dispatch/services/middleware/cli"

func main() {
	cli.Execute()
}
