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

package sharding_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/reports"
	"github.com/epam/ecc/pkg/sharding"
)

func jobIO(jobID string) *sharding.S3IO {
	return sharding.NewS3IO(s3api, "reports-bucket", func(index int) string {
		return reports.ShardKey("TENANT", jobID, index)
	}, "")
}

func latestIO() *sharding.S3IO {
	return sharding.NewS3IO(s3api, "reports-bucket", func(index int) string {
		return reports.LatestShardKey("TENANT", index)
	}, reports.LatestMetaKey("TENANT"))
}

func resources(ids ...string) []map[string]any {
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, map[string]any{"id": id})
	}
	return out
}

var _ = Describe("Shard", func() {
	It("should keep the part with the higher timestamp", func() {
		shard := sharding.NewShard()
		newer := sharding.NewPart("ecc-aws-ec2-open", "eu-west-1", time.Now(), resources("i-2"))
		older := sharding.NewPart("ecc-aws-ec2-open", "eu-west-1", time.Now().Add(-time.Hour), resources("i-1"))
		shard.Put(newer)
		shard.Put(older)
		got, ok := shard.Get("ecc-aws-ec2-open", "eu-west-1")
		Expect(ok).To(BeTrue())
		Expect(got.Resources).To(Equal(resources("i-2")))
		Expect(shard.Len()).To(Equal(1))
	})
	It("should return parts in a deterministic order", func() {
		shard := sharding.NewShard()
		at := time.Now()
		shard.Put(sharding.NewPart("b-policy", "us-east-1", at, nil))
		shard.Put(sharding.NewPart("a-policy", "us-east-1", at, nil))
		shard.Put(sharding.NewPart("a-policy", "eu-west-1", at, nil))
		parts := shard.Parts()
		Expect(parts).To(HaveLen(3))
		Expect(parts[0].Policy).To(Equal("a-policy"))
		Expect(parts[0].Location).To(Equal("eu-west-1"))
		Expect(parts[2].Policy).To(Equal("b-policy"))
	})
})

var _ = Describe("Distributor", func() {
	It("should route aws regions onto two shards and overflow onto a fixed one", func() {
		d := sharding.NewAWSRegionDistributor()
		Expect(d.N()).To(Equal(2))
		Expect(d.Index("us-east-1")).To(Equal(0))
		Expect(d.Index("us-east-2")).To(Equal(1))
		Expect(d.Index(apis.GlobalRegion)).To(Equal(d.Index("made-up-region")))
	})
	It("should route everything onto shard zero for single shard layouts", func() {
		d := sharding.NewSingleShardDistributor()
		Expect(d.N()).To(Equal(1))
		Expect(d.Index("anywhere")).To(Equal(0))
	})
	It("should pick the layout by cloud", func() {
		Expect(sharding.ForCloud(apis.CloudAWS).N()).To(Equal(2))
		Expect(sharding.ForCloud(apis.CloudGoogle).N()).To(Equal(1))
	})
})

var _ = Describe("Collection", func() {
	It("should survive a write and fetch round trip through s3", func() {
		written := sharding.NewCollection(sharding.NewAWSRegionDistributor(), jobIO("job-1"))
		at := time.Now()
		written.PutParts(
			sharding.NewPart("ecc-aws-ec2-open", "us-east-1", at, resources("i-1")),
			sharding.NewPart("ecc-aws-ec2-open", "us-east-2", at, resources("i-2")),
		)
		Expect(written.WriteAll(ctx)).To(Succeed())

		fetched := sharding.NewCollection(sharding.NewAWSRegionDistributor(), jobIO("job-1"))
		Expect(fetched.FetchByIndexes(ctx, written.Indexes())).To(Succeed())
		Expect(fetched.Parts()).To(Equal(written.Parts()))
	})
	It("should read a missing shard as empty", func() {
		c := sharding.NewCollection(sharding.NewAWSRegionDistributor(), jobIO("job-1"))
		Expect(c.FetchByIndexes(ctx, []int{0, 1})).To(Succeed())
		Expect(c.Empty()).To(BeTrue())
	})
	It("should survive a meta round trip", func() {
		latest := sharding.NewCollection(sharding.NewAWSRegionDistributor(), latestIO())
		latest.UpdateMeta(map[string]sharding.RuleMeta{
			"ecc-aws-ec2-open": {Resource: "aws.ec2", Description: "detects open instances"},
		})
		Expect(latest.WriteMeta(ctx)).To(Succeed())

		fetched := sharding.NewCollection(sharding.NewAWSRegionDistributor(), latestIO())
		Expect(fetched.FetchMeta(ctx)).To(Succeed())
		Expect(fetched.Meta).To(HaveKey("ecc-aws-ec2-open"))
	})
	Context("Subtract", func() {
		It("should equal the new collection when the latest state is empty", func() {
			current := sharding.NewCollection(sharding.NewSingleShardDistributor(), jobIO("job-1"))
			current.PutParts(sharding.NewPart("ecc-aws-ec2-open", "eu-west-1", time.Now(), resources("i-1")))
			latest := sharding.NewCollection(sharding.NewSingleShardDistributor(), latestIO())

			diff := current.Subtract(latest, jobIO("job-1"))
			Expect(diff.Parts()).To(Equal(current.Parts()))
		})
		It("should keep only resources absent from the latest state", func() {
			at := time.Now()
			current := sharding.NewCollection(sharding.NewSingleShardDistributor(), jobIO("job-1"))
			current.PutParts(sharding.NewPart("ecc-aws-ec2-open", "eu-west-1", at, resources("i-1", "i-2")))
			latest := sharding.NewCollection(sharding.NewSingleShardDistributor(), latestIO())
			latest.PutParts(sharding.NewPart("ecc-aws-ec2-open", "eu-west-1", at.Add(-time.Hour), resources("i-1")))

			diff := current.Subtract(latest, jobIO("job-1"))
			Expect(diff.Parts()).To(HaveLen(1))
			Expect(diff.Parts()[0].Resources).To(Equal(resources("i-2")))
		})
		It("should drop parts whose resources all carried over", func() {
			at := time.Now()
			current := sharding.NewCollection(sharding.NewSingleShardDistributor(), jobIO("job-1"))
			current.PutParts(sharding.NewPart("ecc-aws-ec2-open", "eu-west-1", at, resources("i-1")))
			latest := sharding.NewCollection(sharding.NewSingleShardDistributor(), latestIO())
			latest.PutParts(sharding.NewPart("ecc-aws-ec2-open", "eu-west-1", at.Add(-time.Hour), resources("i-1")))

			diff := current.Subtract(latest, jobIO("job-1"))
			Expect(diff.Empty()).To(BeTrue())
		})
		It("should compare resources structurally, not by key order", func() {
			at := time.Now()
			current := sharding.NewCollection(sharding.NewSingleShardDistributor(), jobIO("job-1"))
			current.PutParts(sharding.NewPart("ecc-aws-ec2-open", "eu-west-1", at,
				[]map[string]any{{"a": "1", "b": "2"}}))
			latest := sharding.NewCollection(sharding.NewSingleShardDistributor(), latestIO())
			latest.PutParts(sharding.NewPart("ecc-aws-ec2-open", "eu-west-1", at.Add(-time.Hour),
				[]map[string]any{{"b": "2", "a": "1"}}))

			diff := current.Subtract(latest, jobIO("job-1"))
			Expect(diff.Empty()).To(BeTrue())
		})
	})
	Context("Update", func() {
		It("should make the latest state equal the new scan", func() {
			at := time.Now()
			current := sharding.NewCollection(sharding.NewSingleShardDistributor(), jobIO("job-1"))
			current.PutParts(
				sharding.NewPart("ecc-aws-ec2-open", "eu-west-1", at, resources("i-2")),
				sharding.NewPart("ecc-aws-rds-public", "eu-west-1", at, nil),
			)
			latest := sharding.NewCollection(sharding.NewSingleShardDistributor(), latestIO())
			latest.PutParts(sharding.NewPart("ecc-aws-ec2-open", "eu-west-1", at.Add(-time.Hour), resources("i-1")))

			latest.Update(current)
			Expect(latest.Parts()).To(Equal(current.Parts()))
		})
		It("should not regress a fresher latest entry", func() {
			at := time.Now()
			current := sharding.NewCollection(sharding.NewSingleShardDistributor(), jobIO("job-1"))
			current.PutParts(sharding.NewPart("ecc-aws-ec2-open", "eu-west-1", at.Add(-time.Hour), resources("i-1")))
			latest := sharding.NewCollection(sharding.NewSingleShardDistributor(), latestIO())
			latest.PutParts(sharding.NewPart("ecc-aws-ec2-open", "eu-west-1", at, resources("i-2")))

			latest.Update(current)
			Expect(latest.Parts()[0].Resources).To(Equal(resources("i-2")))
		})
	})
})
