package main

import (
	"log"

	"xpledger/engine"
)

func main() {
	if err := engine.Main(); err != nil {
		log.Fatalf("awardd: %v", err)
	}
}
