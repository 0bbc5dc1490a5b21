// Package credentials turns a caller-supplied credential bundle into the two
// files the worker reads: the credential document and a generated
// configuration that points at it.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"
)

// DomainPropertyPrefix marks a Search Console domain property.
const DomainPropertyPrefix = "sc-domain:"

// ErrEmptyDocument is returned for bundles without a credential document.
var ErrEmptyDocument = errors.New("credential document is empty")

// Bundle is the ephemeral authorization material for one worker run.
type Bundle struct {
	// Document is the authorization JSON (service account or OAuth user).
	Document json.RawMessage `json:"document"`
	// SiteURL is a Search Console property: a URL or "sc-domain:example.com".
	SiteURL string `json:"site_url,omitempty"`
	// PropertyID is an analytics property identifier.
	PropertyID string `json:"property_id,omitempty"`
}

// Validate checks that the document is a JSON object.
func (b Bundle) Validate() error {
	if len(strings.TrimSpace(string(b.Document))) == 0 {
		return ErrEmptyDocument
	}
	var obj map[string]any
	if err := json.Unmarshal(b.Document, &obj); err != nil {
		return fmt.Errorf("credential document is not a JSON object: %w", err)
	}
	return nil
}

// NormalizeSite reduces a site identifier to a bare host.
// "sc-domain:example.com" becomes "example.com", "https://www.example.com/x"
// becomes "www.example.com", anything else is returned trimmed.
func NormalizeSite(site string) string {
	site = strings.TrimSpace(site)
	if site == "" {
		return ""
	}
	if strings.HasPrefix(site, DomainPropertyPrefix) {
		return strings.TrimPrefix(site, DomainPropertyPrefix)
	}
	if u, err := url.Parse(site); err == nil && u.Host != "" {
		return u.Hostname()
	}
	return site
}

// WorkerConfig is the configuration document handed to the worker.
type WorkerConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	Site            string `yaml:"site,omitempty"`
	PropertyID      string `yaml:"property_id,omitempty"`
}

// NewWorkerConfig builds the configuration referencing credentialsPath.
func NewWorkerConfig(credentialsPath string, b Bundle) WorkerConfig {
	return WorkerConfig{
		CredentialsFile: credentialsPath,
		Site:            NormalizeSite(b.SiteURL),
		PropertyID:      strings.TrimSpace(b.PropertyID),
	}
}

// Marshal renders the configuration as YAML.
func (c WorkerConfig) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal worker config: %w", err)
	}
	return data, nil
}
