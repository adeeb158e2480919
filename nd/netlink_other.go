//go:build !linux

package nd

// StartAddressMonitor is a no-op without netlink; auto rules run against the
// address set captured at startup.
func (r *Registry) StartAddressMonitor() error {
	return nil
}
