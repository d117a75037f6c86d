package platform

// Platform identifies a campsite booking provider.
type Platform string

const (
	OntarioParks  Platform = "ontario_parks"
	RecreationGov Platform = "recreation_gov"
	ParksCanada   Platform = "parks_canada"
	Hipcamp       Platform = "hipcamp"
)

// Domains maps GoingToCamp-backed platforms to their reservation hosts.
// Platforms absent from the map do not need a domain hint.
var Domains = map[Platform]string{
	OntarioParks: "reservations.ontarioparks.ca",
	ParksCanada:  "reservation.pc.gc.ca",
}

func Valid(p Platform) bool {
	switch p {
	case OntarioParks, RecreationGov, ParksCanada, Hipcamp:
		return true
	}
	return false
}
