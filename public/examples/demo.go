// Package examples holds small ready-made components: enough to bring up a
// device, wire a pipeline and see messages flow without writing a handler
// first.
package examples

import (
	"fmt"
	"strings"
	"time"

	"github.com/social-interaction-cloud/sic-go/public/component"
	"github.com/social-interaction-cloud/sic-go/public/messages"
)

// EchoService repeats every text message it receives, prefixed so the round
// trip is visible.
type EchoService struct {
	component.BaseService
}

func (EchoService) Definition() component.Definition {
	return component.Definition{
		Name:   "EchoService",
		Inputs: []messages.Message{&messages.Text{}},
		Output: &messages.Text{},
	}
}

func (EchoService) Execute(in *component.InputSet) (messages.Message, error) {
	txt, ok := in.Get(messages.KindText).(*messages.Text)
	if !ok {
		return nil, fmt.Errorf("no text in input set")
	}
	return messages.NewText("echo: " + txt.Text), nil
}

// UppercaseService shouts every text message it receives. Chain it after
// EchoService to see a two-stage pipeline.
type UppercaseService struct {
	component.BaseService
}

func (UppercaseService) Definition() component.Definition {
	return component.Definition{
		Name:   "UppercaseService",
		Inputs: []messages.Message{&messages.Text{}},
		Output: &messages.Text{},
	}
}

func (UppercaseService) Execute(in *component.InputSet) (messages.Message, error) {
	txt, ok := in.Get(messages.KindText).(*messages.Text)
	if !ok {
		return nil, fmt.Errorf("no text in input set")
	}
	return messages.NewText(strings.ToUpper(txt.Text)), nil
}

// ClockSensor publishes the wall-clock time once per interval, a stand-in
// for a real device stream.
type ClockSensor struct {
	component.BaseSensor

	// Interval between samples; one second when zero.
	Interval time.Duration
}

func (s *ClockSensor) Definition() component.Definition {
	return component.Definition{Name: "ClockSensor", Output: &messages.Text{}}
}

func (s *ClockSensor) Execute() (messages.Message, error) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}
	time.Sleep(interval)
	return messages.NewText(time.Now().Format(time.RFC3339)), nil
}
