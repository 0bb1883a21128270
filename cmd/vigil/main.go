/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/vigilsec/vigil/pkg/logging"
	"github.com/vigilsec/vigil/pkg/operator"
	"github.com/vigilsec/vigil/pkg/operator/options"
)

func main() {
	opts := options.New().MustParse()
	logger := logging.NewLogger(opts.Debug)
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)
	ctx = options.ToContext(ctx, opts)

	// Cloud adapters are deployment-specific and register here; the control
	// plane runs every other surface without them.
	ctx, op := operator.NewOperator(ctx)
	if err := op.Start(ctx); err != nil {
		logger.Fatalf("running control plane: %s", err)
	}
	logger.Info("shut down cleanly")
}
