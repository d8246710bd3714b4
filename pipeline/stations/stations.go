// Package stations holds the concrete enrichment stations wired into the
// pipeline engine: identity resolution, blueprint loading, the Chimera
// scraper, skip-trace fallback, the phone and DNC gates, demographics and
// persistence.
package stations

import (
	"context"

	"github.com/linkpellow/chimera/pipeline"
)

// Internal fields written by stations for downstream stations; they are not
// part of the lead's public record.
const (
	// FieldBlueprint carries the loaded *blueprint.Blueprint.
	FieldBlueprint pipeline.Field = "_blueprint"
	// FieldMappingRequired is true when no blueprint exists for the chosen
	// provider's domain.
	FieldMappingRequired pipeline.Field = "_mapping_required"
	// FieldProviderPick is the provider the router selected.
	FieldProviderPick pipeline.Field = "_provider"
)

// Output fields produced by the gate and demographics stations.
const (
	FieldIsValid     pipeline.Field = "is_valid"
	FieldIsMobile    pipeline.Field = "is_mobile"
	FieldIsVOIP      pipeline.Field = "is_voip"
	FieldIsLandline  pipeline.Field = "is_landline"
	FieldCarrier     pipeline.Field = "carrier"
	FieldIsJunk      pipeline.Field = "is_junk"
	FieldDNCStatus   pipeline.Field = "dnc_status"
	FieldCanContact  pipeline.Field = "can_contact"
	FieldIncomeRange pipeline.Field = "income_range"
	FieldSaved       pipeline.Field = "saved"
	FieldLeadID      pipeline.Field = "lead_id"
)

type (
	// CarrierInfo is a phone validation answer.
	CarrierInfo struct {
		Valid    bool
		Mobile   bool
		VOIP     bool
		Landline bool
		Carrier  string
	}

	// CarrierLookup validates a phone number and identifies its carrier.
	CarrierLookup interface {
		Lookup(ctx context.Context, phone string) (CarrierInfo, error)
	}

	// DNCResult is a do-not-call registry answer.
	DNCResult struct {
		Status     string
		CanContact bool
	}

	// DNCChecker consults the do-not-call registry.
	DNCChecker interface {
		Check(ctx context.Context, phone string) (DNCResult, error)
	}

	// Demographics is a zipcode-level demographic estimate.
	Demographics struct {
		Income      string
		IncomeRange string
		Age         string
		Address     string
	}

	// DemographicsAPI estimates demographics by zipcode.
	DemographicsAPI interface {
		ByZip(ctx context.Context, zipcode string) (Demographics, error)
	}

	// SkipTracer is the paid people-search fallback.
	SkipTracer interface {
		Trace(ctx context.Context, firstName, lastName, city, state string) (phone, email string, err error)
	}
)
