package component

import (
	"time"

	"github.com/social-interaction-cloud/sic-go/public/messages"
)

// SensorHandler is the behavior of a stream-producing component. Execute is
// called in a loop while the component is Ready; each returned message is
// published on the output channel, stamped with the broker clock.
type SensorHandler interface {
	Definition() Definition
	Init(c *Component) error
	// Execute reads one sample from the device. Returning a nil message
	// without error skips this iteration.
	Execute() (messages.Message, error)
	Cleanup()
}

// BaseSensor is a no-op base to embed in sensor handlers.
type BaseSensor struct{}

func (BaseSensor) Init(*Component) error { return nil }
func (BaseSensor) Cleanup()              {}

// Sensor adapts a SensorHandler to the component model.
func Sensor(s SensorHandler) Handler { return &sensorAdapter{SensorHandler: s} }

type sensorAdapter struct {
	SensorHandler
}

func (a *sensorAdapter) OnMessage(messages.Message) {}

func (a *sensorAdapter) OnRequest(messages.Request) messages.Message { return nil }

// errorBackoff keeps a failing device from spinning the loop.
const errorBackoff = 100 * time.Millisecond

func (a *sensorAdapter) run(c *Component) {
	for !c.Stopping() {
		m, err := a.Execute()
		if err != nil {
			c.Log().Errorf("read sample: %v", err)
			select {
			case <-c.stop:
			case <-time.After(errorBackoff):
			}
			continue
		}
		if m == nil {
			continue
		}
		if !c.beginCall() {
			return
		}
		err = c.Publish(m)
		c.calls.Done()
		if err != nil {
			c.Log().Errorf("publish sample: %v", err)
		}
	}
}
