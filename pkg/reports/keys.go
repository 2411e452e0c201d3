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

// Package reports builds the deterministic object-store keys the system
// persists under. Partitioning by tenant and job eliminates write contention
// between concurrent jobs of different tenants.
package reports

import (
	"fmt"
	"path"
)

const (
	reportsPrefix    = "reports"
	statisticsPrefix = "statistics"
	latestSegment    = "latest"
	shardsSegment    = "shards"
	differenceDir    = "difference"
	metaFile         = "meta.json"
)

// ShardKey locates one shard of a job's result collection. Platform scans
// pass the platform id as scope instead of the tenant name.
func ShardKey(scope, jobID string, index int) string {
	return path.Join(reportsPrefix, scope, jobID, shardsSegment, shardFile(index))
}

// LatestShardKey locates one shard of the scope's latest known state.
func LatestShardKey(scope string, index int) string {
	return path.Join(reportsPrefix, scope, latestSegment, shardsSegment, shardFile(index))
}

// LatestMetaKey locates the rule descriptors attached to the latest state.
func LatestMetaKey(scope string) string {
	return path.Join(reportsPrefix, scope, latestSegment, metaFile)
}

// DifferenceKey locates one shard of a job's changelog against the latest
// state.
func DifferenceKey(scope, jobID string, index int) string {
	return path.Join(reportsPrefix, scope, jobID, differenceDir, shardFile(index))
}

// StatisticsKey locates the per-job statistics document.
func StatisticsKey(jobID string) string {
	return path.Join(statisticsPrefix, jobID+".json.gz")
}

func shardFile(index int) string {
	return fmt.Sprintf("%d.json.gz", index)
}
