package main

import (
	"log"

	"github.com/lighthook/lighthook/cmd/lighthookctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
