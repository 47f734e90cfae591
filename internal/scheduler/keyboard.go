package scheduler

import (
	"github.com/eiannone/keyboard"
	"github.com/juju/errors"
)

// KeyboardStop returns a channel closed when q, Esc or Ctrl-C is pressed on
// the terminal. The returned func releases the terminal.
func KeyboardStop() (<-chan struct{}, func(), error) {
	keys, err := keyboard.GetKeys(10)
	if err != nil {
		return nil, nil, errors.Annotate(err, "opening keyboard")
	}
	stop := make(chan struct{})
	go func() {
		for ev := range keys {
			if ev.Err != nil {
				logger.Warningf("keyboard: %v", ev.Err)
				return
			}
			if isStopKey(ev) {
				logger.Infof("stop requested, finishing current project")
				close(stop)
				return
			}
		}
	}()
	release := func() {
		if err := keyboard.Close(); err != nil {
			logger.Debugf("closing keyboard: %v", err)
		}
	}
	return stop, release, nil
}

func isStopKey(ev keyboard.KeyEvent) bool {
	return ev.Rune == 'q' || ev.Rune == 'Q' || ev.Key == keyboard.KeyEsc || ev.Key == keyboard.KeyCtrlC
}
