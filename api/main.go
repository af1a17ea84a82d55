package main

import (
	"github.com/joho/godotenv"

	"github.com/specwright/specwright/api/cmd/specwright"
)

func main() {
	_ = godotenv.Load()
	specwright.Execute()
}
