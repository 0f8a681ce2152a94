package main

import "github.com/LeeDigitalWorks/zapfs-rezone/cmd"

func main() {
	cmd.Execute()
}
