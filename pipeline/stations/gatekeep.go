package stations

import (
	"context"
	"strings"

	"github.com/linkpellow/chimera/pipeline"
	"github.com/linkpellow/chimera/telemetry"
)

// PhoneGatekeep validates the phone before money is spent downstream.
// Invalid, VOIP, landline and junk-carrier numbers stop the pipeline; a
// lookup API error fails open so a flaky validator never sinks a lead.
type PhoneGatekeep struct {
	lookup CarrierLookup
	logger telemetry.Logger
}

// GatekeepCost is the per-call price of the carrier lookup.
const GatekeepCost = 0.01

// junkCarriers are burner and VOIP-relay services whose numbers never reach
// a real person.
var junkCarriers = []string{
	"google voice", "textnow", "burner", "twilio", "bandwidth", "vonage",
	"ringcentral", "8x8", "nextiva", "ooma", "magicjack", "grasshopper",
}

// NewPhoneGatekeep creates the station.
func NewPhoneGatekeep(lookup CarrierLookup, logger telemetry.Logger) *PhoneGatekeep {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &PhoneGatekeep{lookup: lookup, logger: logger}
}

func (*PhoneGatekeep) Name() string { return "phone_gatekeep" }

func (*PhoneGatekeep) RequiredInputs() []pipeline.Field {
	return []pipeline.Field{pipeline.FieldPhone}
}

func (*PhoneGatekeep) ProducesOutputs() []pipeline.Field {
	return []pipeline.Field{
		FieldIsValid, FieldIsMobile, FieldIsVOIP, FieldIsLandline,
		FieldCarrier, FieldIsJunk,
	}
}

func (*PhoneGatekeep) CostEstimate() float64 { return GatekeepCost }

func (g *PhoneGatekeep) Process(ctx context.Context, pc *pipeline.Context) (pipeline.Fields, pipeline.StopCondition, error) {
	phone := pc.GetString(pipeline.FieldPhone)
	info, err := g.lookup.Lookup(ctx, phone)
	if err != nil {
		g.logger.Warn(ctx, "carrier lookup failed, passing lead through", "err", err)
		return nil, pipeline.Continue, nil
	}

	junk := IsJunkCarrier(info.Carrier)
	fields := pipeline.Fields{
		FieldIsValid:    info.Valid,
		FieldIsMobile:   info.Mobile,
		FieldIsVOIP:     info.VOIP,
		FieldIsLandline: info.Landline,
		FieldCarrier:    info.Carrier,
		FieldIsJunk:     junk,
	}
	if !info.Valid || info.VOIP || info.Landline || junk {
		return fields, pipeline.SkipRemaining, nil
	}
	return fields, pipeline.Continue, nil
}

// IsJunkCarrier reports whether the carrier name matches the junk list.
func IsJunkCarrier(carrier string) bool {
	lower := strings.ToLower(carrier)
	for _, junk := range junkCarriers {
		if strings.Contains(lower, junk) {
			return true
		}
	}
	return false
}
