package main

import (
	"os"

	"horse.fit/sieve/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
