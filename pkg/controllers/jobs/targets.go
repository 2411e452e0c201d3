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

package jobs

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/epam/ecc/pkg/apis"
	"github.com/epam/ecc/pkg/errors"
	"github.com/epam/ecc/pkg/licensemanager"
	"github.com/epam/ecc/pkg/providers/license"
	"github.com/epam/ecc/pkg/providers/ruleset"
	"github.com/epam/ecc/pkg/providers/tenant"
)

// ScanTargets is the resolved ruleset and license scope of one submission.
type ScanTargets struct {
	Rulesets         []apis.RulesetTriple
	LicensedRulesets []string
	AffectedLicenses []string
}

// TargetResolver turns requested ruleset names into the concrete envelope
// targets, enforcing the license gate for licensed submissions. Shared by the
// on-demand and the scheduled-job controllers.
type TargetResolver struct {
	tenants  tenant.Provider
	rulesets ruleset.Provider
	licenses license.Provider
	lm       licensemanager.Client
}

func NewTargetResolver(tenants tenant.Provider, rulesets ruleset.Provider, licenses license.Provider, lm licensemanager.Client) *TargetResolver {
	return &TargetResolver{tenants: tenants, rulesets: rulesets, licenses: licenses, lm: lm}
}

// Resolve builds the scan targets of a standard submission.
func (r *TargetResolver) Resolve(ctx context.Context, t *apis.Tenant, names, rulesToScan []string) (*ScanTargets, error) {
	found, err := r.rulesets.List(ctx, ruleset.ListRequest{
		Customer:   t.Customer,
		Cloud:      t.Cloud,
		Licensed:   lo.ToPtr(false),
		ActiveOnly: true,
		Names:      names,
	})
	if err != nil {
		return nil, err
	}
	if err := unknownNames(names, found); err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, errors.NewValidation("no active rulesets of cloud %s are available for tenant %q", t.Cloud, t.Name)
	}
	return &ScanTargets{Rulesets: triples(found)}, nil
}

// ResolveLicensed builds the scan targets of a licensed submission: the
// tenant's license grants the ruleset universe and the license manager must
// pre-authorize the customer.
func (r *TargetResolver) ResolveLicensed(ctx context.Context, t *apis.Tenant, names, rulesToScan []string, now time.Time) (*ScanTargets, error) {
	application, err := r.tenants.ApplicationFor(ctx, t, apis.ApplicationCustodianLicenses)
	if err != nil {
		return nil, err
	}
	lic, err := r.licenses.ForApplication(ctx, application, t.Cloud)
	if err != nil {
		return nil, err
	}
	if lic == nil {
		return nil, errors.NewNotFound("no license of cloud %s is linked to tenant %q", t.Cloud, t.Name)
	}
	if lic.IsExpired(now) {
		return nil, errors.NewValidation("the license linked to tenant %q has expired", t.Name)
	}
	tlk := lic.Customers[t.Customer].TenantLicenseKey
	allowed, err := r.lm.IsAllowed(ctx, t.Customer, t.Name, []string{tlk})
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, errors.NewForbidden("the license forbids running jobs for tenant %q", t.Name)
	}
	var found []*apis.Ruleset
	for _, id := range lic.RulesetIDs {
		rs, err := r.rulesets.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rs == nil || (len(names) > 0 && !lo.Contains(names, rs.Name)) {
			continue
		}
		found = append(found, rs)
	}
	if err := unknownNames(names, found); err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, errors.NewValidation("the license grants no rulesets of cloud %s to tenant %q", t.Cloud, t.Name)
	}
	if offenders := outsideRuleUniverse(rulesToScan, found); len(offenders) > 0 {
		return nil, errors.NewValidation("rules %s are not covered by the license", strings.Join(offenders, ", "))
	}
	return &ScanTargets{
		Rulesets: triples(found),
		LicensedRulesets: lo.Map(found, func(rs *apis.Ruleset, _ int) string {
			return apis.LicensedRulesetID(rs.LicenseManagerID)
		}),
		AffectedLicenses: []string{tlk},
	}, nil
}

func triples(rulesets []*apis.Ruleset) []apis.RulesetTriple {
	return lo.Map(rulesets, func(rs *apis.Ruleset, _ int) apis.RulesetTriple {
		return apis.RulesetTriple{ID: rs.ID, Name: rs.Name, Version: rs.Version}
	})
}

func unknownNames(requested []string, found []*apis.Ruleset) error {
	unknown := lo.Filter(requested, func(name string, _ int) bool {
		return !lo.ContainsBy(found, func(rs *apis.Ruleset) bool { return rs.Name == name })
	})
	if len(unknown) > 0 {
		return errors.NewValidation("rulesets %s are not found", strings.Join(unknown, ", "))
	}
	return nil
}

func outsideRuleUniverse(rulesToScan []string, rulesets []*apis.Ruleset) []string {
	if len(rulesToScan) == 0 {
		return nil
	}
	universe := lo.Flatten(lo.Map(rulesets, func(rs *apis.Ruleset, _ int) []string { return rs.Rules }))
	return lo.Filter(rulesToScan, func(rule string, _ int) bool {
		return !lo.Contains(universe, rule)
	})
}

// ResolveRegions narrows the tenant's active regions to the requested subset.
// Google tenants always collapse to the single multiregion pseudo-region.
func ResolveRegions(t *apis.Tenant, requested []string) ([]string, error) {
	if t.Cloud == apis.CloudGoogle {
		return []string{apis.GoogleMultiregion}, nil
	}
	if len(requested) == 0 {
		regions := append([]string(nil), t.Regions...)
		sort.Strings(regions)
		return regions, nil
	}
	offenders := lo.Filter(requested, func(region string, _ int) bool {
		return !t.HasRegion(region)
	})
	if len(offenders) > 0 {
		return nil, errors.NewValidation("regions %s are not active for tenant %q", strings.Join(offenders, ", "), t.Name)
	}
	regions := lo.Uniq(requested)
	sort.Strings(regions)
	return regions, nil
}

// batchNameSanitizer strips everything the batch backend rejects in job names.
var batchNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9\-_]`)

const maxBatchNameLength = 128

// BatchJobName derives the backend job name from the submission context.
func BatchJobName(tenantName, owner string, submittedAt time.Time) string {
	name := fmt.Sprintf("%s-%s-%s", tenantName, owner, submittedAt.UTC().Format(time.RFC3339))
	name = batchNameSanitizer.ReplaceAllString(name, "_")
	if len(name) > maxBatchNameLength {
		name = name[:maxBatchNameLength]
	}
	return name
}
