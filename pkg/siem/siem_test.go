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

package siem_test

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/epam/ecc/pkg/sharding"
	"github.com/epam/ecc/pkg/siem"
	"github.com/epam/ecc/pkg/test"
)

// recordingTracker implements siem.DefectTracker, optionally failing every
// import.
type recordingTracker struct {
	scans []siem.ScanImport
	err   error
}

func (t *recordingTracker) ImportScan(_ context.Context, scan siem.ScanImport) error {
	t.scans = append(t.scans, scan)
	return t.err
}

// recordingSink implements siem.UDMSink, optionally failing every submission.
type recordingSink struct {
	events   [][]siem.UDMRecord
	entities [][]siem.UDMRecord
	err      error
}

func (s *recordingSink) SubmitEvents(_ context.Context, records []siem.UDMRecord) error {
	s.events = append(s.events, records)
	return s.err
}

func (s *recordingSink) SubmitEntities(_ context.Context, records []siem.UDMRecord) error {
	s.entities = append(s.entities, records)
	return s.err
}

func flaggedCollection() *sharding.Collection {
	collection := sharding.NewCollection(sharding.NewSingleShardDistributor(), nil)
	at := time.Now().UTC()
	collection.PutParts(
		sharding.NewPart("ecc-aws-001", "global", at, []map[string]any{{"id": "root"}}),
		sharding.NewPart("ecc-aws-001", "eu-west-1", at, []map[string]any{{"id": "user-1"}, {"id": "user-2"}}),
	)
	collection.Meta["ecc-aws-001"] = sharding.RuleMeta{
		Resource:    "aws.iam-user",
		Description: "IAM users must not hold root-equivalent policies",
	}
	return collection
}

var _ = Describe("ConvertFindings", func() {
	It("should flatten every resource and enrich it from the rule meta", func() {
		findings := siem.ConvertFindings(flaggedCollection())
		Expect(findings).To(HaveLen(3))
		for _, f := range findings {
			Expect(f.Rule).To(Equal("ecc-aws-001"))
			Expect(f.ResourceTyp).To(Equal("aws.iam-user"))
			Expect(f.Description).To(ContainSubstring("root-equivalent"))
		}
		regions := []string{}
		for _, f := range findings {
			regions = append(regions, f.Region)
		}
		Expect(regions).To(ConsistOf("global", "eu-west-1", "eu-west-1"))
	})
})

var _ = Describe("ConvertUDM", func() {
	It("should shape events with a description", func() {
		records := siem.ConvertUDM(flaggedCollection(), siem.ConvertEvents)
		Expect(records).To(HaveLen(3))
		Expect(records[0]).To(HaveKeyWithValue("kind", "event"))
		Expect(records[0]).To(HaveKey("description"))
		Expect(records[0]).ToNot(HaveKey("resource_type"))
	})
	It("should shape entities with a resource type", func() {
		records := siem.ConvertUDM(flaggedCollection(), siem.ConvertEntities)
		Expect(records).To(HaveLen(3))
		Expect(records[0]).To(HaveKeyWithValue("kind", "entity"))
		Expect(records[0]).To(HaveKeyWithValue("resource_type", "aws.iam-user"))
		Expect(records[0]).ToNot(HaveKey("description"))
	})
})

var _ = Describe("Upload", func() {
	It("should substitute the tenant and job placeholders in tracker names", func() {
		job := test.Job()
		tracker := &recordingTracker{}
		uploader := &siem.Uploader{
			Trackers: []siem.TrackerBinding{{
				Tracker:    tracker,
				ScanType:   "Generic Findings Import",
				Product:    "{tenant}",
				Engagement: "scans of {tenant}",
				Test:       "{job_id}",
			}},
		}
		uploader.Upload(ctx, job, flaggedCollection())
		Expect(tracker.scans).To(HaveLen(1))
		Expect(tracker.scans[0].Product).To(Equal(job.TenantName))
		Expect(tracker.scans[0].Engagement).To(Equal("scans of " + job.TenantName))
		Expect(tracker.scans[0].Test).To(Equal(job.ID))
		Expect(tracker.scans[0].Tags).To(ContainElement(job.ID))
		Expect(tracker.scans[0].Findings).To(HaveLen(3))
	})
	It("should route each sink through its configured conversion", func() {
		job := test.Job()
		events := &recordingSink{}
		entities := &recordingSink{}
		uploader := &siem.Uploader{
			Sinks: []siem.SinkBinding{
				{Sink: events, Conversion: siem.ConvertEvents},
				{Sink: entities, Conversion: siem.ConvertEntities},
			},
		}
		uploader.Upload(ctx, job, flaggedCollection())
		Expect(events.events).To(HaveLen(1))
		Expect(events.entities).To(BeEmpty())
		Expect(entities.entities).To(HaveLen(1))
		Expect(entities.events).To(BeEmpty())
	})
	It("should run every integration even when earlier ones fail", func() {
		job := test.Job()
		failing := &recordingTracker{err: fmt.Errorf("defect tracker is down")}
		tracker := &recordingTracker{}
		sink := &recordingSink{err: fmt.Errorf("sink refused the batch")}
		uploader := &siem.Uploader{
			Trackers: []siem.TrackerBinding{
				{Tracker: failing, ScanType: "Generic Findings Import"},
				{Tracker: tracker, ScanType: "Generic Findings Import"},
			},
			Sinks: []siem.SinkBinding{{Sink: sink, Conversion: siem.ConvertEvents}},
		}
		uploader.Upload(ctx, job, flaggedCollection())
		Expect(failing.scans).To(HaveLen(1))
		Expect(tracker.scans).To(HaveLen(1))
		Expect(sink.events).To(HaveLen(1))
	})
	It("should be a no-op with nothing configured", func() {
		uploader := &siem.Uploader{}
		uploader.Upload(ctx, test.Job(), flaggedCollection())
	})
})
