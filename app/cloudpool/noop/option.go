package noop

type Option func(*pool)

// WithRegion sets the region reported for launched machines.
func WithRegion(region string) Option {
	return func(p *pool) {
		p.region = region
	}
}

// WithSize sets the size reported for launched machines.
func WithSize(size string) Option {
	return func(p *pool) {
		p.size = size
	}
}

// WithPending launches machines in the pending state instead of
// running.
func WithPending(pending bool) Option {
	return func(p *pool) {
		p.pending = pending
	}
}
