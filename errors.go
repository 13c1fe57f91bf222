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

package keeper

// CompletionResult is the outcome reported for one in-flight message via
// MessageHandle.Complete. Failures are recorded and surfaced through metrics
// but, under the default policy, do not hold back the safe-commit offset.
type CompletionResult struct {
	failed bool
	reason string
}

// Success is the zero CompletionResult.
var Success = CompletionResult{}

// Fail builds a failed CompletionResult with the supplied reason.
func Fail(reason string) CompletionResult {
	return CompletionResult{failed: true, reason: reason}
}

func (cr CompletionResult) Failed() bool {
	return cr.failed
}

func (cr CompletionResult) Reason() string {
	return cr.reason
}

// Instructs keeper how to proceed when an error is encountered.
type ErrorResponse int

const (
	// Instructs keeper to mark the message in error state as complete and continue processing as normal.
	CompleteAndContinue ErrorResponse = iota

	// Instructs keeper to fence the partition in error. In-flight messages drain, the achieved offset
	// is committed and the partition stops dispatching until it is reassigned.
	FailPartition

	// Instructs keeper to stop the consumer entirely. The consumer leaves the group (or releases its
	// coordinated assignments) gracefully. Recommnded for identifying bad deployments: capture this
	// event via metrics and alarm, causing a graceful rollback.
	FailConsumer

	// As the name implies, the application will fatally exit.
	FatallyExit
)

// ProcessorErrorHandler is consulted when a Processor invocation returns an error
// before completing its handle.
type ProcessorErrorHandler func(tp TopicPartition, offset int64, err error) ErrorResponse

func DefaultProcessorErrorHandler(tp TopicPartition, offset int64, err error) ErrorResponse {
	log.Errorf("processor failed for %+v, offset: %d, error: %v", tp, offset, err)
	return CompleteAndContinue
}

// ImportErrorHandler is consulted when a partition's checkpoint import fails across all
// candidate manifests. CompleteAndContinue opens the partition on empty state at the
// broker-committed offset; anything else fails the partition.
type ImportErrorHandler func(tp TopicPartition, err error) ErrorResponse

func DefaultImportErrorHandler(tp TopicPartition, err error) ErrorResponse {
	log.Errorf("checkpoint import failed for %+v, starting empty, error: %v", tp, err)
	return CompleteAndContinue
}
