package registry

import (
	"sort"

	"github.com/PixelExperience/packages-modules-DnsResolver/api"
)

func sortIdentities(ids []api.EndpointIdentity) {
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
}
