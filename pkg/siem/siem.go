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

// Package siem publishes scan findings to downstream security integrations.
// The integrations' APIs are external; this package owns the conversion from
// shard collections and the rule that no upload failure may fail a job.
package siem

import (
	"context"
	"strings"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/logging"
	"github.com/epam/ecc/pkg/sharding"
)

// Finding is one resource flagged by one rule in one location.
type Finding struct {
	Rule        string         `json:"rule"`
	Region      string         `json:"region"`
	Description string         `json:"description,omitempty"`
	ResourceTyp string         `json:"resource_type,omitempty"`
	Resource    map[string]any `json:"resource"`
}

// ScanImport is the defect-tracker payload of one job.
type ScanImport struct {
	ScanType   string
	Product    string
	Engagement string
	Test       string
	Tags       []string
	Findings   []Finding
}

// DefectTracker imports converted scans into a defect tracking system.
type DefectTracker interface {
	ImportScan(ctx context.Context, scan ScanImport) error
}

// UDMRecord is one unified-data-model event or entity.
type UDMRecord map[string]any

// UDMSink ingests converted findings as events or entities.
type UDMSink interface {
	SubmitEvents(ctx context.Context, records []UDMRecord) error
	SubmitEntities(ctx context.Context, records []UDMRecord) error
}

// UDMConversion selects the sink converter.
type UDMConversion string

const (
	ConvertEvents   UDMConversion = "events"
	ConvertEntities UDMConversion = "entities"
)

// ConvertFindings flattens a collection into findings enriched from its meta.
func ConvertFindings(collection *sharding.Collection) []Finding {
	var findings []Finding
	for _, part := range collection.Parts() {
		meta := collection.Meta[part.Policy]
		for _, resource := range part.Resources {
			findings = append(findings, Finding{
				Rule:        part.Policy,
				Region:      part.Location,
				Description: meta.Description,
				ResourceTyp: meta.Resource,
				Resource:    resource,
			})
		}
	}
	return findings
}

// ConvertUDM shapes findings into UDM records of the requested kind.
func ConvertUDM(collection *sharding.Collection, conversion UDMConversion) []UDMRecord {
	findings := ConvertFindings(collection)
	records := make([]UDMRecord, 0, len(findings))
	for _, f := range findings {
		record := UDMRecord{
			"rule":     f.Rule,
			"region":   f.Region,
			"resource": f.Resource,
		}
		if conversion == ConvertEntities {
			record["kind"] = "entity"
			record["resource_type"] = f.ResourceTyp
		} else {
			record["kind"] = "event"
			record["description"] = f.Description
		}
		records = append(records, record)
	}
	return records
}

// TrackerBinding configures one defect-tracker upload. Name templates accept
// {tenant} and {job_id} placeholders.
type TrackerBinding struct {
	Tracker    DefectTracker
	ScanType   string
	Product    string
	Engagement string
	Test       string
}

// SinkBinding configures one UDM sink upload.
type SinkBinding struct {
	Sink       UDMSink
	Conversion UDMConversion
}

// Uploader fans a finished collection out to every configured integration.
type Uploader struct {
	Trackers []TrackerBinding
	Sinks    []SinkBinding
}

// Upload runs every integration independently. Failures are logged and
// swallowed: publishing is best-effort and must never fail the scan.
func (u *Uploader) Upload(ctx context.Context, job *apis.Job, collection *sharding.Collection) {
	log := logging.FromContext(ctx)
	for _, binding := range u.Trackers {
		scan := ScanImport{
			ScanType:   binding.ScanType,
			Product:    substitute(binding.Product, job),
			Engagement: substitute(binding.Engagement, job),
			Test:       substitute(binding.Test, job),
			Tags:       []string{job.ID, job.TenantName, string(job.Status)},
			Findings:   ConvertFindings(collection),
		}
		if err := binding.Tracker.ImportScan(ctx, scan); err != nil {
			log.Error(err, "importing scan into defect tracker", "job-id", job.ID, "scan-type", binding.ScanType)
		}
	}
	for _, binding := range u.Sinks {
		records := ConvertUDM(collection, binding.Conversion)
		var err error
		if binding.Conversion == ConvertEntities {
			err = binding.Sink.SubmitEntities(ctx, records)
		} else {
			err = binding.Sink.SubmitEvents(ctx, records)
		}
		if err != nil {
			log.Error(err, "submitting findings to udm sink", "job-id", job.ID, "conversion", string(binding.Conversion))
		}
	}
}

func substitute(template string, job *apis.Job) string {
	replaced := strings.ReplaceAll(template, "{tenant}", job.TenantName)
	return strings.ReplaceAll(replaced, "{job_id}", job.ID)
}
