package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dudk/rack"
	"github.com/dudk/rack/offline"
)

// jobFile describes a batch of render tasks.
type jobFile struct {
	Workers    int       `yaml:"workers"`
	SampleRate int       `yaml:"sample_rate"`
	BufferSize int       `yaml:"buffer_size"`
	Channels   int       `yaml:"channels"`
	Tasks      []jobTask `yaml:"tasks"`
}

type jobTask struct {
	In   string  `yaml:"in"`
	Out  string  `yaml:"out"`
	Gain float64 `yaml:"gain"`
}

var processCmd = &cobra.Command{
	Use:   "process <job file>",
	Short: "Render the tasks described by a yaml job file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var job jobFile
		if err := yaml.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}
		if len(job.Tasks) == 0 {
			return fmt.Errorf("%s: no tasks", args[0])
		}
		return runJob(cmd, job)
	},
}

func init() {
	rootCmd.AddCommand(processCmd)
}

func runJob(cmd *cobra.Command, job jobFile) error {
	config := rack.Config{
		SampleRate:  job.SampleRate,
		BufferSize:  job.BufferSize,
		NumChannels: job.Channels,
	}
	if config.SampleRate == 0 {
		config.SampleRate = 44100
	}
	if config.BufferSize == 0 {
		config.BufferSize = 512
	}
	if config.NumChannels == 0 {
		config.NumChannels = 2
	}

	ctx := rack.NewContext(config)
	defer ctx.Release()
	e := offline.New(ctx, offline.WithWorkers(job.Workers))
	defer e.Close()

	sub := e.OnState(func(t *offline.Task, status offline.Status) {
		cmd.Printf("%s: %s -> %s\n", status, t.Input(), t.Output())
	})
	defer sub.Cancel()

	for _, jt := range job.Tasks {
		gain := jt.Gain
		if gain == 0 {
			gain = 1
		}
		if _, err := e.AddTask(jt.In, jt.Out, offline.WithGain(gain)); err != nil {
			return err
		}
	}

	if err := e.StartProcessing(); err != nil {
		return err
	}
	if err := e.Wait(); err != nil {
		return err
	}

	failed := 0
	for _, t := range e.Tasks() {
		if t.Status() == offline.Failed {
			failed++
			cmd.PrintErrf("%s: %v\n", t.Input(), t.Err())
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", failed, len(job.Tasks))
	}
	return nil
}
