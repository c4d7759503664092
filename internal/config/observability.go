package config

// Enabled reports whether trace export is configured.
func (o OTelConfig) Enabled() bool {
	return o.Endpoint != ""
}
