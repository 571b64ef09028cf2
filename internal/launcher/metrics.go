// Copyright 2025 Alibaba Group Holding Ltd.
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

package launcher

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"k8s.io/klog/v2"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
)

const meterName = "github.com/alibaba/OpenSandbox/task-launcher/launcher"

// Task outcomes reported as the "outcome" attribute.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeAborted   = "aborted"
	OutcomeWalltime  = "walltime"
)

var (
	taskDuration metric.Float64Histogram
	taskResults  metric.Int64Counter
)

func init() {
	meter := otel.Meter(meterName)

	var err error
	taskDuration, err = meter.Float64Histogram("task.duration",
		metric.WithDescription("Duration of task attempts"),
		metric.WithUnit("ms"))
	if err != nil {
		klog.ErrorS(err, "failed to create metric", "name", "task.duration")
	}
	taskResults, err = meter.Int64Counter("task.results",
		metric.WithDescription("Number of finished task attempts"))
	if err != nil {
		klog.ErrorS(err, "failed to create metric", "name", "task.results")
	}
}

func outcome(result *types.TaskResult) string {
	switch {
	case !result.HadException():
		return OutcomeSucceeded
	case errors.Is(result.Exception, types.ErrWalltimeExceeded):
		return OutcomeWalltime
	case errors.Is(result.Exception, types.ErrTaskAborted):
		return OutcomeAborted
	default:
		return OutcomeFailed
	}
}

func recordResult(result *types.TaskResult) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome(result)))
	ctx := context.Background()
	if taskDuration != nil {
		taskDuration.Record(ctx, float64(result.Duration.Milliseconds()), attrs)
	}
	if taskResults != nil {
		taskResults.Add(ctx, 1, attrs)
	}
}
