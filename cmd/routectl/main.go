package main

import (
	"log"

	"github.com/freightwatch/freightwatch/cmd/routectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
