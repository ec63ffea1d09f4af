package config

import "fmt"

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr                string `json:"addr"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds"`
	// MaxUploadMB bounds spreadsheet uploads.
	MaxUploadMB int `json:"max_upload_mb"`
	// Token, when set, is required as "Authorization: Bearer <token>" on /api/.
	Token string `json:"token"`
}

// SetDefaults fills zero values.
func (c *HTTPConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeoutSeconds <= 0 {
		c.ReadTimeoutSeconds = 15
	}
	if c.WriteTimeoutSeconds <= 0 {
		c.WriteTimeoutSeconds = 60
	}
	if c.MaxUploadMB <= 0 {
		c.MaxUploadMB = 10
	}
}

// Validate checks mandatory fields.
func (c HTTPConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	return nil
}
