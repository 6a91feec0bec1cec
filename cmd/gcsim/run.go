package main

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log/level"
)

// RunCommand executes a scenario file.
type RunCommand struct {
	file string

	out       io.Writer
	logConfig *LoggerConfig
}

// Register is used to register the command to a parent command.
func (c *RunCommand) Register(app *kingpin.Application, logConfig *LoggerConfig) {
	c.logConfig = logConfig
	cmd := app.Command("run", "Run a scenario file and check its expectations.")
	cmd.Arg("scenario", "Scenario YAML file.").Required().ExistingFileVar(&c.file)
	cmd.Action(c.run)
}

func (c *RunCommand) run(*kingpin.ParseContext) error {
	logger := c.logConfig.Logger()

	s, err := LoadScenario(c.file)
	if err != nil {
		return err
	}
	if s.Name == "" {
		s.Name = c.file
	}
	level.Info(logger).Log("msg", "running scenario", "name", s.Name, "steps", len(s.Steps), "capacity", s.Arena.Capacity)

	res, err := s.Run(logger)
	if err != nil {
		level.Error(logger).Log("msg", "scenario failed", "name", s.Name, "err", err)
		return err
	}
	fmt.Fprintln(c.output(), formatResult(s.Name, res))
	return nil
}

func (c *RunCommand) output() io.Writer {
	if c.out == nil {
		return os.Stdout
	}
	return c.out
}
