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

package policy

// RuleIndex is the positional flag string rule authors encode into the
// descriptor comment. Each byte position carries one flag.
type RuleIndex string

// globalFlagPosition holds '0' when the rule is global. Comments too short
// to carry the position mean global.
const globalFlagPosition = 2

// IsGlobal reports whether the comment marks the rule as global.
func (r RuleIndex) IsGlobal() bool {
	if len(r) <= globalFlagPosition {
		return true
	}
	return r[globalFlagPosition] == '0'
}
