// Copyright 2023 Keelstream, Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package aws connects keeper to AWS managed services: an MSK-backed
// [github.com/keelstream/keeper.Cluster] that resolves brokers and auth
// through the MSK API, and an S3-backed checkpoint bucket. Keeper itself is
// not tied to AWS; this package is a convenience for deployments that are.
package aws

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kafka"
	"github.com/twmb/franz-go/pkg/kgo"
	kaws "github.com/twmb/franz-go/pkg/sasl/aws"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// MskClient is the part of the MSK API surface MskCluster uses.
// *kafka.Client satisfies it.
type MskClient interface {
	ListClusters(context.Context, *kafka.ListClustersInput, ...func(*kafka.Options)) (*kafka.ListClustersOutput, error)
	GetBootstrapBrokers(context.Context, *kafka.GetBootstrapBrokersInput, ...func(*kafka.Options)) (*kafka.GetBootstrapBrokersOutput, error)
}

// AuthType selects which of the cluster's bootstrap endpoints and SASL
// mechanisms to use.
type AuthType int

const (
	None AuthType = iota
	MutualTLS
	SaslScram
	SaslIam
	PublicMutualTLS
	PublicSaslScram
	PublicSaslIam
)

func (at AuthType) String() string {
	switch at {
	case None:
		return "None"
	case MutualTLS:
		return "MutualTLS"
	case SaslScram:
		return "SaslScram"
	case SaslIam:
		return "SaslIam"
	case PublicMutualTLS:
		return "PublicMutualTLS"
	case PublicSaslScram:
		return "PublicSaslScram"
	case PublicSaslIam:
		return "PublicSaslIam"
	}
	return "Unknown"
}

// MskCluster implements [github.com/keelstream/keeper.Cluster] by resolving
// broker addresses through the MSK API. The calling role needs access to
// ListClusters and GetBootstrapBrokers for the cluster.
type MskCluster struct {
	clusterName   string
	client        MskClient
	authType      AuthType
	tlsConfig     *tls.Config
	awsConfig     sdk.Config
	scram         scram.Auth
	clientOptions []kgo.Opt
	builtOptions  []kgo.Opt
}

// DefaultConfig returns the default AWS client config with a default region
// of region. Panics on errors.
func DefaultConfig(region string) sdk.Config {
	cfg, err := config.LoadDefaultConfig(context.TODO(), config.WithDefaultRegion(region))
	if err != nil {
		panic(err)
	}
	return cfg
}

// NewMskCluster creates an MskCluster using DefaultConfig. If the process
// runs in EC2, an ECS task or Lambda, this is likely the initializer you
// need. For SaslIam the ambient role credentials sign the SASL handshake.
func NewMskCluster(clusterName string, authType AuthType, region string, optFns ...func(*kafka.Options)) *MskCluster {
	return NewMskClusterWithClientConfig(clusterName, authType, DefaultConfig(region), optFns...)
}

// NewMskClusterWithClientConfig creates an MskCluster from an explicit AWS
// config, for STS or otherwise customized credential chains.
func NewMskClusterWithClientConfig(clusterName string, authType AuthType, awsConfig sdk.Config, optFns ...func(*kafka.Options)) *MskCluster {
	return &MskCluster{
		clusterName: clusterName,
		authType:    authType,
		awsConfig:   awsConfig,
		client:      kafka.NewFromConfig(awsConfig, optFns...),
	}
}

// WithTlsConfig sets the TLS configuration for broker connections, needed
// for MutualTLS and PublicMutualTLS:
//
//	cluster := aws.NewMskCluster("MyCluster", aws.MutualTLS, "us-east-1").WithTlsConfig(myMutualTlsConfig)
func (c *MskCluster) WithTlsConfig(tlsConfig *tls.Config) *MskCluster {
	c.tlsConfig = tlsConfig
	return c
}

// WithClientOptions supplies additional kgo client options. Caution: options
// supplied here override any set by MskCluster. This call replaces any client
// options previously set.
func (c *MskCluster) WithClientOptions(opts ...kgo.Opt) *MskCluster {
	c.clientOptions = opts
	return c
}

// WithScramUserPass sets the credentials for SaslScram and PublicSaslScram.
// Credential rotation is not provided for:
//
//	cluster := aws.NewMskCluster("MyCluster", aws.SaslScram, "us-east-1").WithScramUserPass("super", "secret")
func (c *MskCluster) WithScramUserPass(user, pass string) *MskCluster {
	c.scram = scram.Auth{
		User: user,
		Pass: pass,
	}
	return c
}

// Config resolves the cluster ARN by name, fetches the bootstrap brokers for
// the configured AuthType and assembles the kgo options. The result is built
// once and reused; keeper creates several clients per process and the MSK
// API does not need to be consulted for each.
func (c *MskCluster) Config() ([]kgo.Opt, error) {
	if c.builtOptions != nil {
		return c.builtOptions, nil
	}
	brokers, err := c.bootstrapBrokers()
	if err != nil {
		return nil, err
	}
	opts := []kgo.Opt{kgo.SeedBrokers(brokers...)}
	if c.tlsConfig != nil {
		opts = append(opts, kgo.DialTLSConfig(c.tlsConfig))
	}
	switch c.authType {
	case SaslIam, PublicSaslIam:
		opts = append(opts, kgo.SASL(kaws.ManagedStreamingIAM(c.saslIamAuth)))
	case SaslScram, PublicSaslScram:
		// MSK only supports SHA512
		opts = append(opts, kgo.SASL(c.scram.AsSha512Mechanism()))
	}
	opts = append(opts, c.clientOptions...)
	c.builtOptions = opts
	return opts, nil
}

// saslIamAuth signs the SASL handshake from the aws.Config credentials
// provider, so rotating session credentials keep working.
func (c *MskCluster) saslIamAuth(ctx context.Context) (auth kaws.Auth, err error) {
	var creds sdk.Credentials
	if creds, err = c.awsConfig.Credentials.Retrieve(ctx); err == nil {
		auth = kaws.Auth{
			AccessKey:    creds.AccessKeyID,
			SecretKey:    creds.SecretAccessKey,
			SessionToken: creds.SessionToken,
		}
	}
	return
}

// bootstrapBrokers fetches broker addresses from the MSK API and picks the
// endpoint list matching the AuthType.
func (c *MskCluster) bootstrapBrokers() ([]string, error) {
	arn, err := c.clusterArn()
	if err != nil {
		return nil, err
	}
	res, err := c.client.GetBootstrapBrokers(context.TODO(), &kafka.GetBootstrapBrokersInput{
		ClusterArn: sdk.String(arn),
	})
	if err != nil {
		return nil, err
	}
	connection := res.BootstrapBrokerString
	switch c.authType {
	case MutualTLS:
		connection = res.BootstrapBrokerStringTls
	case SaslScram:
		connection = res.BootstrapBrokerStringSaslScram
	case SaslIam:
		connection = res.BootstrapBrokerStringSaslIam
	case PublicMutualTLS:
		connection = res.BootstrapBrokerStringPublicTls
	case PublicSaslScram:
		connection = res.BootstrapBrokerStringPublicSaslScram
	case PublicSaslIam:
		connection = res.BootstrapBrokerStringPublicSaslIam
	}
	if connection == nil {
		return nil, fmt.Errorf("cluster %s has no bootstrap brokers for %v", c.clusterName, c.authType)
	}
	return strings.Split(*connection, ","), nil
}

func (c *MskCluster) clusterArn() (string, error) {
	res, err := c.client.ListClusters(context.TODO(), &kafka.ListClustersInput{
		ClusterNameFilter: sdk.String(c.clusterName),
	})
	if err != nil {
		return "", err
	}
	if len(res.ClusterInfoList) == 0 {
		return "", fmt.Errorf("cluster not found: %s", c.clusterName)
	}
	ci := res.ClusterInfoList[0]
	if ci.ClusterArn == nil {
		return "", fmt.Errorf("cluster not found (nil ClusterInfo): %s", c.clusterName)
	}
	return *ci.ClusterArn, nil
}
