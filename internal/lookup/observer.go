package lookup

import "time"

// Observer receives client-side measurements. internal/metrics implements it.
type Observer interface {
	// ObserveLookup records one finished lookup against service ("product" or "broker").
	ObserveLookup(service string, elapsed time.Duration, err error)
	// ObservePending records the size of the broker correlation map.
	ObservePending(n int)
	// ObserveReconnect records a broker stream (re)establishment.
	ObserveReconnect()
}

type noopObserver struct{}

func (noopObserver) ObserveLookup(string, time.Duration, error) {}
func (noopObserver) ObservePending(int)                         {}
func (noopObserver) ObserveReconnect()                          {}

// Option configures a lookup client.
type Option func(*options)

type options struct {
	observer Observer
}

// WithObserver attaches an Observer to the client.
func WithObserver(o Observer) Option {
	return func(opts *options) {
		if o != nil {
			opts.observer = o
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{observer: noopObserver{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
