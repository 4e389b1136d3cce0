package kpoll

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

// DefaultUserPoolSize is the default capacity, in bytes, of the privileged
// buffer pool used by [Thread.UserPoll].
const DefaultUserPoolSize = 64 * 1024

// kernelOptions holds configuration options for Kernel creation.
type kernelOptions struct {
	logger         *logiface.Logger[logiface.Event]
	violationRates map[time.Duration]int
	userPoolSize   int64
	metricsEnabled bool
}

// Option configures a Kernel instance.
type Option interface {
	applyKernel(*kernelOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyKernelFunc func(*kernelOptions) error
}

func (o *optionImpl) applyKernel(opts *kernelOptions) error {
	return o.applyKernelFunc(opts)
}

// WithLogger attaches a structured logger. The kernel logs nothing if this
// option is not provided.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMetrics enables collection of the statistics returned by
// [Kernel.Metrics].
func WithMetrics(enabled bool) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithUserPoolSize sets the number of bytes of privileged memory available,
// across all concurrent calls, to hold copies of untrusted descriptor arrays.
// Defaults to [DefaultUserPoolSize].
func WithUserPoolSize(size int64) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		if size <= 0 {
			return errors.New(`kpoll: user pool size must be positive`)
		}
		opts.userPoolSize = size
		return nil
	}}
}

// WithViolationLogRates configures per-thread rate limits for access
// violation logs, in the format accepted by the go-catrate package, e.g.
// map[time.Duration]int{time.Second: 5}. A nil or empty map disables limiting.
// The default is 10 per second and 60 per minute.
func WithViolationLogRates(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		opts.violationRates = rates
		return nil
	}}
}

// resolveOptions applies Option instances to kernelOptions.
func resolveOptions(opts []Option) (*kernelOptions, error) {
	cfg := &kernelOptions{
		userPoolSize: DefaultUserPoolSize,
		violationRates: map[time.Duration]int{
			time.Second: 10,
			time.Minute: 60,
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyKernel(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
