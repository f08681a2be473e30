// Package debugx provides logging that only occurs when debugging is enabled
// for the process via the environment.
package debugx

import (
	"fmt"
	"log"

	"github.com/egdaemon/covdata/internal/envx"
)

var enabled = envx.Boolean(false, "COVDATA_DEBUG")

func Println(args ...interface{}) {
	if !enabled {
		return
	}

	log.Output(2, fmt.Sprintln(args...))
}

func Printf(format string, args ...interface{}) {
	if !enabled {
		return
	}

	log.Output(2, fmt.Sprintf(format, args...))
}
