// Package app is the application-side entry point of the runtime: a shared
// broker connection, a registry of things to stop, and one idempotent
// shutdown path wired to process signals.
package app

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/social-interaction-cloud/sic-go/public/bus"
	"github.com/social-interaction-cloud/sic-go/public/connector"
	"github.com/social-interaction-cloud/sic-go/public/siclog"
)

// Stopper is anything the application shutdown must tear down, connectors
// foremost.
type Stopper interface {
	Stop()
}

var (
	mu       sync.Mutex
	shared   bus.Bus
	stoppers []Stopper
	logSub   *siclog.Subscriber

	shutdownOnce sync.Once
	shutdownCh   = make(chan struct{})

	signalOnce sync.Once
)

// SetBus injects the broker connection the application uses. Call it before
// anything else to run against an in-process bus; otherwise the first use
// dials Redis with the environment's settings.
func SetBus(b bus.Bus) {
	mu.Lock()
	shared = b
	mu.Unlock()
}

// SharedBus returns the application's broker connection, dialing it on first
// use.
func SharedBus() (bus.Bus, error) {
	mu.Lock()
	defer mu.Unlock()
	if shared != nil {
		return shared, nil
	}
	b, err := bus.NewRedisBus(bus.FromEnv())
	if err != nil {
		return nil, err
	}
	shared = b
	return shared, nil
}

// Connect starts the named component on a device and returns a connector on
// the shared bus. The connector is stopped automatically at shutdown.
func Connect(componentName, deviceIP string, opts connector.Options) (*connector.Connector, error) {
	b, err := SharedBus()
	if err != nil {
		return nil, err
	}
	c, err := connector.New(b, componentName, deviceIP, opts)
	if err != nil {
		return nil, err
	}
	Register(c)
	return c, nil
}

// Register adds s to the set of things stopped at shutdown.
func Register(s Stopper) {
	mu.Lock()
	stoppers = append(stoppers, s)
	mu.Unlock()
}

// Unregister removes s; its Stop will not be called at shutdown.
func Unregister(s Stopper) {
	mu.Lock()
	defer mu.Unlock()
	for i, have := range stoppers {
		if have == s {
			stoppers = append(stoppers[:i], stoppers[i+1:]...)
			return
		}
	}
}

// SubscribeLogs tails the shared log channel to stdout, showing what remote
// components are doing.
func SubscribeLogs() error {
	b, err := SharedBus()
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if logSub == nil {
		logSub = siclog.NewSubscriber(b, os.Stdout)
	}
	return logSub.Start()
}

// OnRemoteError installs a callback fired when any remote component logs an
// error. Implies SubscribeLogs.
func OnRemoteError(fn func(text string)) error {
	b, err := SharedBus()
	if err != nil {
		return err
	}
	mu.Lock()
	if logSub == nil {
		logSub = siclog.NewSubscriber(b, os.Stdout)
	}
	sub := logSub
	mu.Unlock()
	sub.OnRemoteError(fn)
	return sub.Start()
}

// ShutdownEvent returns a channel closed when shutdown runs. Long-running
// applications block on it instead of sleeping forever.
func ShutdownEvent() <-chan struct{} {
	return shutdownCh
}

// Shutdown stops every registered stopper in reverse registration order,
// then the log subscriber and the shared bus. Later calls do nothing.
func Shutdown() {
	shutdownOnce.Do(func() {
		mu.Lock()
		toStop := make([]Stopper, len(stoppers))
		copy(toStop, stoppers)
		stoppers = nil
		sub := logSub
		logSub = nil
		b := shared
		shared = nil
		mu.Unlock()

		for i := len(toStop) - 1; i >= 0; i-- {
			toStop[i].Stop()
		}
		if sub != nil {
			sub.Stop()
		}
		if b != nil {
			_ = b.Close()
		}
		close(shutdownCh)
	})
}

// HandleSignals makes SIGINT and SIGTERM run Shutdown. Call it once, early.
func HandleSignals() {
	signalOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			select {
			case <-ch:
				Shutdown()
			case <-shutdownCh:
			}
			signal.Stop(ch)
		}()
	})
}

// resetForTest restores the package to its initial state. Tests only.
func resetForTest() {
	mu.Lock()
	shared = nil
	stoppers = nil
	logSub = nil
	mu.Unlock()
	shutdownOnce = sync.Once{}
	shutdownCh = make(chan struct{})
	signalOnce = sync.Once{}
}
