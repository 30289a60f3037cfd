// Package awsec2 collects EC2 instances.
package awsec2

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/cartograph/cartograph/internal/intel"
	"github.com/cartograph/cartograph/pkg/types"
)

// Name is the collector name.
const Name = "aws-ec2"

// API is the subset of the EC2 client used by the collector.
type API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// Collector lists every instance in one region.
type Collector struct {
	api    API
	region string
}

// New creates a collector over api for region.
func New(api API, region string) *Collector {
	return &Collector{api: api, region: region}
}

// NewFromConfig creates a collector from the default AWS credential chain.
func NewFromConfig(ctx context.Context, region string) (*Collector, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("awsec2: failed to load AWS config: %w", err)
	}
	return New(ec2.NewFromConfig(cfg), region), nil
}

// Name implements intel.Collector.
func (c *Collector) Name() string { return Name }

// Collect implements intel.Collector.
func (c *Collector) Collect(ctx context.Context, emit func(context.Context, intel.Observation) error) error {
	paginator := ec2.NewDescribeInstancesPaginator(c.api, &ec2.DescribeInstancesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("awsec2: describe instances in %s: %w", c.region, err)
		}
		observed := time.Now()
		for _, res := range page.Reservations {
			for _, inst := range res.Instances {
				if inst.InstanceId == nil {
					continue
				}
				if err := emit(ctx, c.observe(inst, aws.ToString(res.OwnerId), observed)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (c *Collector) observe(inst ec2types.Instance, owner string, observed time.Time) intel.Observation {
	id := aws.ToString(inst.InstanceId)
	attrs := map[string]any{
		"instance_id":   id,
		"instance_type": string(inst.InstanceType),
		"region":        c.region,
	}
	if owner != "" {
		attrs["account_id"] = owner
	}
	if inst.State != nil {
		attrs["state"] = string(inst.State.Name)
	}
	if inst.Placement != nil && inst.Placement.AvailabilityZone != nil {
		attrs["availability_zone"] = aws.ToString(inst.Placement.AvailabilityZone)
	}
	setString(attrs, "image_id", inst.ImageId)
	setString(attrs, "vpc_id", inst.VpcId)
	setString(attrs, "subnet_id", inst.SubnetId)
	setString(attrs, "private_ip", inst.PrivateIpAddress)
	setString(attrs, "public_ip", inst.PublicIpAddress)
	setString(attrs, "private_dns_name", inst.PrivateDnsName)
	if inst.LaunchTime != nil {
		attrs["launch_time"] = inst.LaunchTime.UTC().Format(time.RFC3339)
	}
	for _, tag := range inst.Tags {
		key := strings.TrimSpace(aws.ToString(tag.Key))
		if key == "" {
			continue
		}
		attrs["tag:"+key] = aws.ToString(tag.Value)
	}

	return intel.Observation{
		EntityKey:  fmt.Sprintf("aws:%s:ec2:%s", c.region, id),
		EntityType: types.EntityAWSEC2Instance,
		Attributes: attrs,
		ObservedAt: observed,
	}
}

func setString(attrs map[string]any, name string, v *string) {
	if s := aws.ToString(v); s != "" {
		attrs[name] = s
	}
}
