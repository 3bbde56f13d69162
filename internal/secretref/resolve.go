// Copyright 2025 Tom Barlow
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

// Package secretref resolves a trigger webhook secret that may be a
// literal value or a reference into the OS keychain, so triggers.yaml
// doesn't need to carry webhook secrets in plaintext. Wires
// github.com/zalando/go-keyring, previously an undiscussed dropped
// teacher dependency (the teacher uses it for provider credential
// storage; agentcore has no provider/profile layer, but the same
// "don't put secrets in the config file" need applies to webhook
// secrets).
package secretref

import (
	"strings"

	"github.com/zalando/go-keyring"
)

// keyringPrefix marks a config value as a keyring reference rather than
// a literal secret: "keyring:<service>/<user>".
const keyringPrefix = "keyring:"

// Resolve returns raw unchanged unless it has the "keyring:" prefix, in
// which case it looks the secret up from the OS keychain under
// "<service>/<user>". An empty raw value resolves to empty (no secret
// configured — webhook signature verification is then skipped).
func Resolve(raw string) (string, error) {
	if !strings.HasPrefix(raw, keyringPrefix) {
		return raw, nil
	}
	ref := strings.TrimPrefix(raw, keyringPrefix)
	service, user, ok := strings.Cut(ref, "/")
	if !ok {
		return "", &InvalidRefError{Ref: raw}
	}
	secret, err := keyring.Get(service, user)
	if err != nil {
		return "", &LookupError{Ref: raw, Cause: err}
	}
	return secret, nil
}

// InvalidRefError reports a keyring reference missing its "/" separator.
type InvalidRefError struct {
	Ref string
}

func (e *InvalidRefError) Error() string {
	return "invalid keyring reference " + e.Ref + ": expected keyring:<service>/<user>"
}

// LookupError wraps a failed OS keychain lookup.
type LookupError struct {
	Ref   string
	Cause error
}

func (e *LookupError) Error() string {
	return "keyring lookup failed for " + e.Ref + ": " + e.Cause.Error()
}

func (e *LookupError) Unwrap() error {
	return e.Cause
}
