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

package aws

import (
	sdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keelstream/keeper/checkpoint"
)

// NewCheckpointBucket returns a [checkpoint.ObjectStore] over an S3 bucket,
// using DefaultConfig credentials. Assign it to CheckpointConfig.ObjectStore:
//
//	config.Checkpoint.ObjectStore = aws.NewCheckpointBucket("my-checkpoints", "us-east-1")
func NewCheckpointBucket(bucket, region string, optFns ...func(*s3.Options)) *checkpoint.S3ObjectStore {
	return NewCheckpointBucketWithClientConfig(bucket, DefaultConfig(region), optFns...)
}

// NewCheckpointBucketWithClientConfig is NewCheckpointBucket with an explicit
// AWS config, for STS or otherwise customized credential chains.
func NewCheckpointBucketWithClientConfig(bucket string, awsConfig sdk.Config, optFns ...func(*s3.Options)) *checkpoint.S3ObjectStore {
	return checkpoint.NewS3ObjectStore(s3.NewFromConfig(awsConfig, optFns...), bucket)
}
