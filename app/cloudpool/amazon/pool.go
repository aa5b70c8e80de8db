// Package amazon implements a cloud pool of EC2 instances. Pool
// members are the instances tagged with the pool name.
package amazon

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/dchest/uniuri"
	perrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/drone-runners/drone-autoscaler/app/cloudpool"
	apptypes "github.com/drone-runners/drone-autoscaler/app/types"
	drtypes "github.com/drone-runners/drone-autoscaler/types"
)

// PoolTag is the tag key holding the pool name.
const PoolTag = "drone-autoscaler/pool"

var _ cloudpool.CloudPool = (*pool)(nil)

// ec2ClientAPI is the subset of the EC2 client used by the pool.
type ec2ClientAPI interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

type pool struct {
	name    string
	region  string
	retries int

	accessKeyID     string
	secretAccessKey string
	sessionToken    string
	keyPairName     string

	image    string
	size     string
	subnet   string
	groups   []string
	userData string
	tags     map[string]string

	service ec2ClientAPI

	mu      sync.Mutex
	desired int
}

func New(opts ...Option) (cloudpool.CloudPool, error) {
	p := &pool{desired: -1}
	for _, opt := range opts {
		opt(p)
	}
	if p.name == "" {
		return nil, errors.New("amazon: pool name is required")
	}
	// setup service
	if p.service == nil {
		ctx := context.Background()

		var cfg aws.Config
		var err error

		// Prioritize static credentials if provided
		if p.accessKeyID != "" && p.secretAccessKey != "" {
			cfg, err = config.LoadDefaultConfig(ctx,
				config.WithRegion(p.region),
				config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
					p.accessKeyID,
					p.secretAccessKey,
					p.sessionToken,
				)),
			)
		} else {
			// Load default config (Pod Identity, IRSA, instance profile, etc.)
			cfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(p.region))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		if p.retries > 0 {
			cfg.RetryMaxAttempts = p.retries
		}
		p.service = ec2.NewFromConfig(cfg)
	}
	return p, nil
}

func (p *pool) PoolSize(ctx context.Context) (*drtypes.PoolSizeSummary, error) {
	machines, err := p.list(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloudpool.Summarize(machines, p.desired), nil
}

func (p *pool) MachinePool(ctx context.Context) (*drtypes.MachinePool, error) {
	machines, err := p.list(ctx)
	if err != nil {
		return nil, err
	}
	return &drtypes.MachinePool{Machines: machines, Timestamp: time.Now().UTC()}, nil
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
	if launch > 0 {
		logr.WithField("launch", launch).Infoln("amazon: launching instances")
		return p.launch(ctx, launch)
	}
	if len(terminate) > 0 {
		ids := make([]string, 0, len(terminate))
		for _, m := range terminate {
			ids = append(ids, m.ID)
		}
		logr.WithField("instances", ids).Infoln("amazon: terminating instances")
		_, err := p.service.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
		if err != nil {
			return classify(perrors.Wrap(err, "amazon: cannot terminate instances"), err)
		}
	}
	return nil
}

func (p *pool) launch(ctx context.Context, count int) error {
	tags := []types.Tag{
		{Key: aws.String(PoolTag), Value: aws.String(p.name)},
		{Key: aws.String("Name"), Value: aws.String(fmt.Sprintf("%s-%s", p.name, uniuri.NewLen(8)))}, //nolint:mnd
	}
	for k, v := range p.tags {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	in := &ec2.RunInstancesInput{
		ImageId:      aws.String(p.image),
		InstanceType: types.InstanceType(p.size),
		MinCount:     aws.Int32(int32(count)),
		MaxCount:     aws.Int32(int32(count)),
		TagSpecifications: []types.TagSpecification{
			{ResourceType: types.ResourceTypeInstance, Tags: tags},
		},
	}
	if p.keyPairName != "" {
		in.KeyName = aws.String(p.keyPairName)
	}
	if p.subnet != "" {
		in.SubnetId = aws.String(p.subnet)
	}
	if len(p.groups) > 0 {
		in.SecurityGroupIds = p.groups
	}
	if p.userData != "" {
		in.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(p.userData)))
	}

	if _, err := p.service.RunInstances(ctx, in); err != nil {
		return classify(perrors.Wrap(err, "amazon: cannot launch instances"), err)
	}
	return nil
}

// list returns the pool members, following pagination.
func (p *pool) list(ctx context.Context) ([]drtypes.Machine, error) {
	in := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{
				Name:   aws.String("tag:" + PoolTag),
				Values: []string{p.name},
			},
			{
				Name:   aws.String("instance-state-name"),
				Values: []string{"pending", "running", "shutting-down", "stopping", "stopped"},
			},
		},
	}
	var machines []drtypes.Machine
	for {
		out, err := p.service.DescribeInstances(ctx, in)
		if err != nil {
			return nil, classify(perrors.Wrap(err, "amazon: cannot describe instances"), err)
		}
		for _, r := range out.Reservations {
			for i := range r.Instances {
				machines = append(machines, p.toMachine(&r.Instances[i]))
			}
		}
		if out.NextToken == nil || *out.NextToken == "" {
			break
		}
		in.NextToken = out.NextToken
	}
	return machines, nil
}

func (p *pool) toMachine(in *types.Instance) drtypes.Machine {
	m := drtypes.Machine{
		ID:     aws.ToString(in.InstanceId),
		Origin: string(drtypes.Amazon),
		Region: p.region,
		Size:   string(in.InstanceType),
		State:  drtypes.MachineRequested,
	}
	for _, tag := range in.Tags {
		if aws.ToString(tag.Key) == "Name" {
			m.Name = aws.ToString(tag.Value)
		}
	}
	if in.Placement != nil && in.Placement.AvailabilityZone != nil {
		m.Region = *in.Placement.AvailabilityZone
	}
	if in.LaunchTime != nil {
		m.LaunchTime = *in.LaunchTime
	}
	if in.State != nil {
		m.State = toMachineState(in.State.Name)
	}
	return m
}

func toMachineState(state types.InstanceStateName) drtypes.MachineState {
	switch state {
	case types.InstanceStateNamePending:
		return drtypes.MachinePending
	case types.InstanceStateNameRunning:
		return drtypes.MachineRunning
	case types.InstanceStateNameShuttingDown, types.InstanceStateNameStopping:
		return drtypes.MachineTerminating
	case types.InstanceStateNameTerminated, types.InstanceStateNameStopped:
		return drtypes.MachineTerminated
	default:
		return drtypes.MachineRequested
	}
}

// classify turns client side API errors into bad request errors so
// they are not retried.
func classify(wrapped, cause error) error {
	var apiErr smithy.APIError
	if errors.As(cause, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient {
		switch apiErr.ErrorCode() {
		case "RequestLimitExceeded", "InsufficientInstanceCapacity", "Unavailable":
			return wrapped
		}
		return apptypes.NewBadRequestError(wrapped.Error())
	}
	return wrapped
}
