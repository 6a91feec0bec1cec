// Command gcsim drives a gcarena arena with scripted scenarios or a seeded
// random workload.
package main

import (
	"os"

	"github.com/alecthomas/kingpin/v2"
)

var (
	logConfig    LoggerConfig
	runCommand   RunCommand
	churnCommand ChurnCommand
)

func main() {
	app := kingpin.New("gcsim", "Drive a garbage-collected arena with scripted or random workloads.")

	// Register logger first so its PreAction runs before others
	logConfig.Register(app)

	runCommand.Register(app, &logConfig)
	churnCommand.Register(app, &logConfig)

	kingpin.MustParse(app.Parse(os.Args[1:]))
}
