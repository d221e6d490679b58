package main

import (
	"log"

	"github.com/nmi/gosvm/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
