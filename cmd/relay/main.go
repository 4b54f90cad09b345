package main

import (
	"github.com/joho/godotenv"

	"github.com/relaymq/relay-go/cmd/relay/cmd"
)

func main() {
	// A missing .env file is fine; the environment still applies.
	_ = godotenv.Load()
	cmd.Execute()
}
