package testx

import (
	"io"
	"log"
	"os"

	"github.com/mattn/go-isatty"
)

// Logging routes log output to stderr during tests, silencing it entirely
// when not attached to a terminal.
func Logging() {
	log.SetFlags(log.Lshortfile | log.Ldate | log.LUTC)
	log.SetOutput(os.Stderr)

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		log.SetOutput(io.Discard)
	}
}
