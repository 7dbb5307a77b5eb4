// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package ports

import "github.com/rohanbojja/ottobot/internal/apperr"

// ErrExhausted is returned by Allocate when every port in [Lo, Hi] is held.
var ErrExhausted = apperr.New(apperr.KindResourceExhausted, "no available port in range")
