// Package daemon assembles consoles from configuration and runs each one's
// event loop. Every console is single-threaded on its own loop goroutine;
// the daemon only owns the registry and lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"runtime/pprof"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/conmux/conmux/internal/console"
	"github.com/conmux/conmux/internal/logfile"
	"github.com/conmux/conmux/internal/poller"
	"github.com/conmux/conmux/internal/ring"
	"github.com/conmux/conmux/internal/socket"
	"github.com/conmux/conmux/internal/tty"
	"github.com/conmux/conmux/pkg/config"
)

// Instance is one running console with the resources the daemon must tear
// down around it.
type Instance struct {
	Console *console.Console
	Device  *tty.Device
	poller  *poller.Poller
}

// Daemon owns the set of live consoles, keyed by console id. The registry
// is read from outside the loop goroutines (status, internal peers), hence
// the concurrent map.
type Daemon struct {
	log       *logrus.Logger
	cfg       *config.Config
	instances *hashmap.Map[string, *Instance]
}

// New creates a daemon for the given configuration.
func New(cfg *config.Config, log *logrus.Logger) *Daemon {
	return &Daemon{
		log:       log,
		cfg:       cfg,
		instances: hashmap.New[string, *Instance](),
	}
}

// Console returns a running console by id, or nil.
func (d *Daemon) Console(id string) *console.Console {
	inst, ok := d.instances.Get(id)
	if !ok {
		return nil
	}
	return inst.Console
}

// build assembles one console: device transport, ring, scheduler, and the
// transport handlers composed explicitly here.
func (d *Daemon) build(cc config.ConsoleConfig) (*Instance, error) {
	p := poller.New(d.log)
	rb := ring.New(cc.RingSize)

	var (
		dev *tty.Device
		err error
	)
	if cc.PTY {
		dev, err = tty.NewPTY(d.log)
	} else {
		dev, err = tty.Open(cc.TTY, cc.Baud, d.log)
	}
	if err != nil {
		return nil, fmt.Errorf("console %s: %w", cc.ID, err)
	}

	cons := console.New(cc.ID, dev, p, rb, d.log)
	if err := dev.Start(cons); err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("console %s: %w", cc.ID, err)
	}

	if err := cons.AddHandler(socket.New()); err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("console %s: %w", cc.ID, err)
	}
	if cc.LogFile != "" {
		if err := cons.AddHandler(logfile.New(cc.LogFile, cc.LogMaxSize)); err != nil {
			cons.Shutdown()
			_ = dev.Close()
			return nil, fmt.Errorf("console %s: %w", cc.ID, err)
		}
	}

	return &Instance{Console: cons, Device: dev, poller: p}, nil
}

// Run builds every configured console and drives their event loops until
// the context is canceled or a console fails. All consoles are torn down
// before returning.
func (d *Daemon) Run(ctx context.Context) error {
	for _, cc := range d.cfg.Consoles {
		inst, err := d.build(cc)
		if err != nil {
			d.shutdownAll()
			return err
		}
		d.instances.Set(cc.ID, inst)
		d.log.WithField("console", cc.ID).Info("Console ready")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	d.instances.Range(func(id string, inst *Instance) bool {
		wg.Add(1)
		labels := pprof.Labels("console", id)
		go pprof.Do(runCtx, labels, func(loopCtx context.Context) {
			defer wg.Done()
			err := inst.poller.Run(loopCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				d.log.WithError(err).WithField("console", id).Error("Console loop failed")
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			// One console going down takes the daemon with it.
			cancel()
		})
		return true
	})

	wg.Wait()
	d.shutdownAll()
	return firstErr
}

func (d *Daemon) shutdownAll() {
	d.instances.Range(func(id string, inst *Instance) bool {
		inst.Console.Shutdown()
		_ = inst.Device.Close()
		d.instances.Del(id)
		d.log.WithField("console", id).Info("Console stopped")
		return true
	})
}
