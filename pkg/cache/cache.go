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

// Package cache centralizes the expiration policies of the in-memory caches
// injected into providers.
package cache

import "time"

const (
	// DefaultTTL restricts the lifetime of any cached value without a more
	// specific policy below.
	DefaultTTL = time.Minute
	// DefaultCleanupInterval triggers the removal of expired entries.
	DefaultCleanupInterval = 10 * time.Minute
	// SettingsTTL caches customer and tenant settings; exclusion lists and
	// thresholds change rarely but must converge within a scan cycle.
	SettingsTTL = 5 * time.Minute
	// LicenseTTL caches license rows between submissions.
	LicenseTTL = 5 * time.Minute
	// RulesetContentTTL caches fetched ruleset content within one executor
	// run; content is immutable per (name, version).
	RulesetContentTTL = 30 * time.Minute
	// NoCleanup disables background eviction for caches whose entries are
	// consumed explicitly.
	NoCleanup = time.Duration(-1)
)
