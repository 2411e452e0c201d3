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

package sharding

import "github.com/epam/ecc/pkg/apis"

// Distributor assigns a stable shard index to a finding location. The
// assignment is part of the persisted layout: changing it orphans shards.
type Distributor interface {
	Index(location string) int
	N() int
}

// awsRegions is the ordered region list the AWS distributor hashes against.
// Order matters and new regions are appended, never inserted.
var awsRegions = []string{
	"us-east-1", "us-east-2", "us-west-1", "us-west-2",
	"af-south-1",
	"ap-east-1", "ap-south-1", "ap-northeast-1", "ap-northeast-2",
	"ap-northeast-3", "ap-southeast-1", "ap-southeast-2", "ap-southeast-3",
	"ca-central-1",
	"eu-central-1", "eu-west-1", "eu-west-2", "eu-west-3",
	"eu-north-1", "eu-south-1",
	"me-south-1", "me-central-1",
	"sa-east-1",
}

// AWSRegionDistributor spreads regional findings over two shards by region
// position; unknown regions and the global bucket land on a fixed overflow
// shard.
type AWSRegionDistributor struct {
	n int
}

func NewAWSRegionDistributor() *AWSRegionDistributor {
	return &AWSRegionDistributor{n: 2}
}

func (d *AWSRegionDistributor) Index(location string) int {
	for pos, region := range awsRegions {
		if region == location {
			return pos % d.n
		}
	}
	return len(awsRegions) % d.n
}

func (d *AWSRegionDistributor) N() int {
	return d.n
}

// SingleShardDistributor stores everything in shard zero; used for clouds
// whose scans are a single logical location and for difference artifacts.
type SingleShardDistributor struct{}

func NewSingleShardDistributor() *SingleShardDistributor {
	return &SingleShardDistributor{}
}

func (d *SingleShardDistributor) Index(string) int { return 0 }

func (d *SingleShardDistributor) N() int { return 1 }

// ForCloud picks the distributor matching the cloud's layout.
func ForCloud(cloud apis.Cloud) Distributor {
	if cloud == apis.CloudAWS {
		return NewAWSRegionDistributor()
	}
	return NewSingleShardDistributor()
}
