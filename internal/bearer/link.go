// Package bearer brings the modem's IP data path up and down around upload
// windows. The interface is configured manually (mmcli plus ip) rather than
// left to NetworkManager: the plan is pay-per-MB, and keeping the network
// config manual asserts that nothing outside this code talks through the
// modem.
package bearer

import "context"

// Link is the OS network collaborator. The upload scheduler calls Up after
// acquiring the DATA lease and Down before releasing it; nothing else ever
// configures the interface.
type Link interface {
	Up(ctx context.Context) error
	Down() error
}

// NopLink is used when the interface is managed externally, and by tests.
type NopLink struct{}

func (NopLink) Up(context.Context) error { return nil }
func (NopLink) Down() error              { return nil }
