// Copyright 2022 The cbmm Authors. All Rights Reserved.
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

package cbmm

import (
	"errors"
)

// Error kinds reported by the engine. Wrap with fmt.Errorf("...: %w", ...)
// and test with errors.Is.
var (
	// ErrNotFound is returned when no profile exists for a process.
	ErrNotFound = errors.New("no such process")
	// ErrInvalidInput is returned on malformed filter records and
	// unknown policy, section, quantity or comparator tokens.
	ErrInvalidInput = errors.New("invalid argument")
	// ErrOutOfMemory is returned when building or splicing
	// profile data fails; the operation it aborted has been
	// rolled back.
	ErrOutOfMemory = errors.New("out of memory")
)
