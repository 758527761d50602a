package routing

import "github.com/eventphone/routingengine/internal/database/models"

// ComputeSourceParameters derives the caller-side parameters a Tree merges
// into the result's envelope target and into the envelope of every cached
// sub-plan for this call: the caller identity
// (rewritten by outgoing_extension when set), the caller's display name,
// language, and dialout permission.
func ComputeSourceParameters(source *models.Extension) map[string]string {
	params := map[string]string{}

	caller := source.Extension
	if source.OutgoingExtension != "" {
		caller = source.OutgoingExtension
	}
	params["caller"] = caller

	callername := source.OutgoingName
	if callername == "" {
		callername = source.Name
	}
	params["callername"] = callername

	params["osip_X-Caller-Language"] = source.Lang

	if source.DialoutAllowed {
		params["osip_X-Dialout-Allowed"] = "1"
	}

	return params
}
