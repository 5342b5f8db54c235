// Copyright 2025 Poiesic Systems
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


package streaming

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAborted indicates the session was stopped by Abort.
	ErrAborted = errors.New("visit session aborted")

	// ErrVisitorTimeout indicates the visitor timeout passed before every
	// bucket was visited. It matches context.DeadlineExceeded.
	ErrVisitorTimeout = fmt.Errorf("visitor timed out: %w", context.DeadlineExceeded)

	// ErrParametersRequired indicates StartSession was called without parameters.
	ErrParametersRequired = errors.New("visit parameters are required")

	// ErrRepositoryRequired indicates the transport has no document repository.
	ErrRepositoryRequired = errors.New("document repository is required")

	errSessionDone = errors.New("visit session done")
)
