package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cartograph/cartograph/internal/config"
	"github.com/cartograph/cartograph/internal/intel"
	"github.com/cartograph/cartograph/internal/intel/awsec2"
	"github.com/cartograph/cartograph/internal/intel/awss3"
	"github.com/cartograph/cartograph/internal/intel/gcpstorage"
	"github.com/cartograph/cartograph/internal/observability"
	"github.com/cartograph/cartograph/internal/stream"
)

type collectOptions struct {
	provider        string
	region          string
	project         string
	credentialsFile string
}

func newCollectCmd(root *rootOptions) *cobra.Command {
	opts := &collectOptions{}
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run one collector scan and publish its records to the stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig(cmd)
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)

			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			collector, closer, err := opts.collector(ctx, cfg)
			if err != nil {
				return err
			}
			if closer != nil {
				defer closer.Close()
			}

			pub, err := stream.OpenPublisher(ctx, cfg.StreamURI)
			if err != nil {
				return fmt.Errorf("failed to open stream: %w", err)
			}
			defer pub.Close()

			sum, err := intel.Run(ctx, collector, pub, intel.Options{
				Metrics: observability.New(),
				Logger:  logger,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "producer=%s published=%d invalid=%d duration=%s\n",
				sum.ProducerID, sum.Published, sum.Invalid, sum.Duration)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.provider, "provider", "", "Collector to run: aws-ec2, aws-s3 or gcp-storage")
	f.StringVar(&opts.region, "aws-region", "", "AWS region to scan")
	f.StringVar(&opts.project, "gcp-project", "", "GCP project to scan")
	f.StringVar(&opts.credentialsFile, "gcp-credentials-file", "", "GCP service account key file")
	cmd.MarkFlagRequired("provider")
	return cmd
}

func (o *collectOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("aws-region") {
		cfg.Collect.AWSRegion = o.region
	}
	if flags.Changed("gcp-project") {
		cfg.Collect.GCPProject = o.project
	}
	if flags.Changed("gcp-credentials-file") {
		cfg.Collect.GCPCredentialsFile = o.credentialsFile
	}
}

// collector builds the selected collector. The closer, when not nil, must be
// closed after the scan.
func (o *collectOptions) collector(ctx context.Context, cfg *config.Config) (intel.Collector, io.Closer, error) {
	switch o.provider {
	case awsec2.Name:
		c, err := awsec2.NewFromConfig(ctx, cfg.Collect.AWSRegion)
		return c, nil, err
	case awss3.Name:
		c, err := awss3.NewFromConfig(ctx, cfg.Collect.AWSRegion)
		return c, nil, err
	case gcpstorage.Name:
		if cfg.Collect.GCPProject == "" {
			return nil, nil, fmt.Errorf("gcp-storage needs --gcp-project or CARTOGRAPH_GCP_PROJECT")
		}
		c, err := gcpstorage.Dial(ctx, cfg.Collect.GCPProject, cfg.Collect.GCPCredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	default:
		return nil, nil, fmt.Errorf("unknown provider %q (want %s, %s or %s)",
			o.provider, awsec2.Name, awss3.Name, gcpstorage.Name)
	}
}
