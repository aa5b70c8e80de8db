package amazon

type Option func(*pool)

// WithPoolName sets the pool name. Machines are tagged with it.
func WithPoolName(name string) Option {
	return func(p *pool) {
		p.name = name
	}
}

func WithAccessKeyID(accessKeyID string) Option {
	return func(p *pool) {
		p.accessKeyID = accessKeyID
	}
}

// WithSecretAccessKey sets the AWS secret access key.
func WithSecretAccessKey(secretAccessKey string) Option {
	return func(p *pool) {
		p.secretAccessKey = secretAccessKey
	}
}

// WithSessionToken returns an option to set the session token.
func WithSessionToken(sessionToken string) Option {
	return func(p *pool) {
		p.sessionToken = sessionToken
	}
}

// WithRegion returns an option to set the target region.
func WithRegion(region string) Option {
	return func(p *pool) {
		if region == "" {
			p.region = "us-east-2"
		} else {
			p.region = region
		}
	}
}

// WithImage returns an option to set the AMI of launched machines.
func WithImage(image string) Option {
	return func(p *pool) {
		p.image = image
	}
}

// WithSize returns an option to set the instance type.
func WithSize(size string) Option {
	return func(p *pool) {
		if size == "" {
			p.size = "t3.nano"
		} else {
			p.size = size
		}
	}
}

// WithSubnet returns an option to set the subnet.
func WithSubnet(id string) Option {
	return func(p *pool) {
		p.subnet = id
	}
}

// WithSecurityGroup returns an option to set the security groups.
func WithSecurityGroup(group ...string) Option {
	return func(p *pool) {
		p.groups = group
	}
}

// WithKeyPair returns an option to set the key pair.
func WithKeyPair(name string) Option {
	return func(p *pool) {
		p.keyPairName = name
	}
}

// WithUserData returns an option to set the cloud-init user data.
func WithUserData(userData string) Option {
	return func(p *pool) {
		p.userData = userData
	}
}

// WithTags returns an option to set extra tags of launched machines.
func WithTags(tags map[string]string) Option {
	return func(p *pool) {
		p.tags = tags
	}
}

// WithRetries returns an option to set the SDK retry attempts.
func WithRetries(retries int) Option {
	return func(p *pool) {
		p.retries = retries
	}
}

func withService(service ec2ClientAPI) Option {
	return func(p *pool) {
		p.service = service
	}
}
