// Package digitalocean implements a cloud pool of droplets. Pool
// members are the droplets carrying the pool tag.
package digitalocean

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dchest/uniuri"
	"github.com/digitalocean/godo"
	perrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/drone-runners/drone-autoscaler/app/cloudpool"
	apptypes "github.com/drone-runners/drone-autoscaler/app/types"
	"github.com/drone-runners/drone-autoscaler/types"
)

const (
	tagPrefix = "drone-autoscaler:"
	pageSize  = 200
)

var _ cloudpool.CloudPool = (*pool)(nil)

// dropletService is the subset of the droplets API used by the pool.
type dropletService interface {
	ListByTag(ctx context.Context, tag string, opt *godo.ListOptions) ([]godo.Droplet, *godo.Response, error)
	Create(ctx context.Context, req *godo.DropletCreateRequest) (*godo.Droplet, *godo.Response, error)
	Delete(ctx context.Context, id int) (*godo.Response, error)
}

type pool struct {
	name     string
	pat      string
	region   string
	size     string
	image    string
	tags     []string
	sshKeys  []string
	userData string

	service dropletService

	mu      sync.Mutex
	desired int
}

func New(opts ...Option) (cloudpool.CloudPool, error) {
	p := &pool{
		region:  "nyc1",
		size:    "s-2vcpu-4gb",
		image:   "ubuntu-22-04-x64",
		desired: -1,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.name == "" {
		return nil, errors.New("digitalocean: pool name is required")
	}
	if p.service == nil {
		if p.pat == "" {
			return nil, errors.New("digitalocean: personal access token is required")
		}
		p.service = newClient(context.Background(), p.pat).Droplets
	}
	return p, nil
}

// Tag returns the droplet tag identifying the members of the pool.
func (p *pool) Tag() string {
	return tagPrefix + p.name
}

func (p *pool) PoolSize(ctx context.Context) (*types.PoolSizeSummary, error) {
	machines, err := p.list(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloudpool.Summarize(machines, p.desired), nil
}

func (p *pool) MachinePool(ctx context.Context) (*types.MachinePool, error) {
	machines, err := p.list(ctx)
	if err != nil {
		return nil, err
	}
	return &types.MachinePool{Machines: machines, Timestamp: time.Now().UTC()}, nil
}

func (p *pool) SetDesiredSize(ctx context.Context, n int) error {
	if n < 0 {
		return apptypes.NewBadRequestError(fmt.Sprintf("invalid desired size %d", n))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	machines, err := p.list(ctx)
	if err != nil {
		return err
	}
	p.desired = n

	logr := logrus.WithField("pool", p.name).WithField("desired", n)
	launch, terminate := cloudpool.Plan(machines, n)
	for i := 0; i < launch; i++ {
		name := fmt.Sprintf("%s-%s", p.name, uniuri.NewLen(8)) //nolint:mnd
		logr.Infof("digitalocean: creating droplet %s", name)
		if err := p.create(ctx, name); err != nil {
			return err
		}
	}
	for _, m := range terminate {
		id, err := strconv.Atoi(m.ID)
		if err != nil {
			return perrors.Wrapf(err, "digitalocean: invalid droplet id %q", m.ID)
		}
		logr.WithField("id", m.ID).Infoln("digitalocean: deleting droplet")
		res, err := p.service.Delete(ctx, id)
		if err != nil {
			if res != nil && res.StatusCode == http.StatusNotFound {
				logr.WithField("id", m.ID).Warnln("digitalocean: droplet does not exist")
				continue
			}
			return classify(perrors.Wrap(err, "digitalocean: cannot delete droplet"), res)
		}
	}
	return nil
}

func (p *pool) create(ctx context.Context, name string) error {
	req := &godo.DropletCreateRequest{
		Name:     name,
		Region:   p.region,
		Size:     p.size,
		Tags:     append([]string{p.Tag()}, p.tags...),
		UserData: p.userData,
		Image: godo.DropletCreateImage{
			Slug: p.image,
		},
	}
	if len(p.sshKeys) > 0 {
		req.SSHKeys = createSSHKeys(p.sshKeys)
	}
	_, res, err := p.service.Create(ctx, req)
	if err != nil {
		return classify(perrors.Wrap(err, "digitalocean: cannot create droplet"), res)
	}
	return nil
}

// list returns the pool members, following pagination.
func (p *pool) list(ctx context.Context) ([]types.Machine, error) {
	var machines []types.Machine
	opt := &godo.ListOptions{Page: 1, PerPage: pageSize}
	for {
		droplets, res, err := p.service.ListByTag(ctx, p.Tag(), opt)
		if err != nil {
			return nil, classify(perrors.Wrap(err, "digitalocean: cannot list droplets"), res)
		}
		for i := range droplets {
			machines = append(machines, toMachine(&droplets[i]))
		}
		if res == nil || res.Links == nil || res.Links.IsLastPage() {
			break
		}
		page, err := res.Links.CurrentPage()
		if err != nil {
			return nil, perrors.Wrap(err, "digitalocean: cannot read page")
		}
		opt.Page = page + 1
	}
	return machines, nil
}

func toMachine(d *godo.Droplet) types.Machine {
	m := types.Machine{
		ID:     strconv.Itoa(d.ID),
		Name:   d.Name,
		State:  toMachineState(d.Status),
		Origin: string(types.DigitalOcean),
		Size:   d.SizeSlug,
	}
	if d.Region != nil {
		m.Region = d.Region.Slug
	}
	if created, err := time.Parse(time.RFC3339, d.Created); err == nil {
		m.LaunchTime = created
	}
	return m
}

func toMachineState(status string) types.MachineState {
	switch status {
	case "new":
		return types.MachinePending
	case "active":
		return types.MachineRunning
	case "off", "archive":
		return types.MachineTerminated
	default:
		return types.MachineRequested
	}
}

// classify turns 4xx responses other than rate limiting into bad
// request errors so they are not retried.
func classify(wrapped error, res *godo.Response) error {
	if res == nil || res.Response == nil {
		return wrapped
	}
	code := res.StatusCode
	if code >= http.StatusBadRequest && code < http.StatusInternalServerError && code != http.StatusTooManyRequests {
		return apptypes.NewBadRequestError(wrapped.Error())
	}
	return wrapped
}

// helper function returns a new digitalocean client.
func newClient(ctx context.Context, pat string) *godo.Client {
	return godo.NewClient(
		oauth2.NewClient(ctx, oauth2.StaticTokenSource(
			&oauth2.Token{
				AccessToken: pat,
			},
		)),
	)
}

// take a slice of ssh keys and return a slice of godo.DropletCreateSSHKey
func createSSHKeys(sshKeys []string) []godo.DropletCreateSSHKey {
	var keys []godo.DropletCreateSSHKey
	for _, key := range sshKeys {
		keys = append(keys, godo.DropletCreateSSHKey{
			Fingerprint: key,
		})
	}
	return keys
}
