// Copyright 2025 Nhat-Nguyen Nguyen
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

// Package blocklist keeps the set of client addresses the gateway refuses to
// serve. Entries carry their own expiry; a blocked address is released by the
// background sweeper (memory) or by Redis TTL (shared).
package blocklist

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"
)

var ErrInvalidBlock = errors.New("blocklist: invalid block")

type (
	Registry interface {
		// Block adds addr until now+d, extending an existing block if the new
		// expiry is later.
		Block(ctx context.Context, addr string, d time.Duration) (BlockedIP, error)
		Unblock(ctx context.Context, addr string) (bool, error)
		IsBlocked(ctx context.Context, addr string) (bool, error)
		List(ctx context.Context) ([]BlockedIP, error)
	}

	BlockedIP struct {
		Address      string    `json:"address"`
		BlockedUntil time.Time `json:"blocked_until"`
	}
)

func (b BlockedIP) Active(now time.Time) bool {
	return now.Before(b.BlockedUntil)
}

// Normalize canonicalizes addr so "::ffff:10.0.0.1" and "10.0.0.1" share an
// entry. Unparseable input is rejected.
func Normalize(addr string) (string, error) {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return "", fmt.Errorf("%w: address %q: %v", ErrInvalidBlock, addr, err)
	}
	return ip.Unmap().WithZone("").String(), nil
}

func validate(addr string, d time.Duration) (string, error) {
	if d <= 0 {
		return "", fmt.Errorf("%w: duration must be positive, got %s", ErrInvalidBlock, d)
	}
	return Normalize(addr)
}
