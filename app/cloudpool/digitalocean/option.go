package digitalocean

type Option func(*pool)

// WithPoolName sets the pool name. Droplets are tagged with it.
func WithPoolName(name string) Option {
	return func(p *pool) {
		p.name = name
	}
}

func WithPAT(pat string) Option {
	return func(p *pool) {
		p.pat = pat
	}
}

func WithRegion(region string) Option {
	return func(p *pool) {
		if region == "" {
			p.region = "nyc1"
		} else {
			p.region = region
		}
	}
}

func WithSize(size string) Option {
	return func(p *pool) {
		if size == "" {
			p.size = "s-2vcpu-4gb"
		} else {
			p.size = size
		}
	}
}

func WithImage(image string) Option {
	return func(p *pool) {
		if image == "" {
			p.image = "ubuntu-22-04-x64"
		} else {
			p.image = image
		}
	}
}

func WithTags(tags []string) Option {
	return func(p *pool) {
		p.tags = tags
	}
}

func WithSSHKeys(sshKeys []string) Option {
	return func(p *pool) {
		p.sshKeys = sshKeys
	}
}

func WithUserData(text string) Option {
	return func(p *pool) {
		p.userData = text
	}
}

func withService(service dropletService) Option {
	return func(p *pool) {
		p.service = service
	}
}
