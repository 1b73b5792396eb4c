package runner

import "time"

// Detacher closes whatever request boundary started the run so the loop
// continues in the background. It is called once, before the first iteration.
type Detacher interface {
	Detach(timeLimit time.Duration) error
}

// NopDetacher is used when the run already owns its process.
type NopDetacher struct{}

func (NopDetacher) Detach(time.Duration) error {
	return nil
}

type DetachFunc func(timeLimit time.Duration) error

func (f DetachFunc) Detach(timeLimit time.Duration) error {
	return f(timeLimit)
}
