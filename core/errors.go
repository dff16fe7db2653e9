// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License"): you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package core

import "github.com/pkg/errors"

// Sentinel errors callers can match on with errors.Is/errors.Cause.
var (
	ErrIncompleteFrame   = errors.New("core: incomplete RESP frame")
	ErrInvalidFrame      = errors.New("core: invalid RESP frame")
	ErrBackendUnavailable = errors.New("core: backend unavailable")
	ErrRequestTimedOut   = errors.New("core: request timed out")
	ErrUnknownPool       = errors.New("core: unknown pool")
	ErrPoolExists        = errors.New("core: pool already exists")
	ErrInvalidStateTransition = errors.New("core: invalid state transition")
	ErrEngineShutdown    = errors.New("core: engine shutdown")
	ErrSlotsMapPending   = errors.New("core: cluster slots map refresh already in flight")

	errNoStagedConfig  = errors.New("no staged config")
	errConfigUnchanged = errors.New("the configs are the same")
)
