package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"impulseguard/internal/logging"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	scopeGenerativeLanguage = "https://www.googleapis.com/auth/generative-language"
	scopeCloudPlatform      = "https://www.googleapis.com/auth/cloud-platform"
)

// LoadCredentials reads a service account JSON file and builds an OAuth2
// token source scoped for the Generative Language API. Tried with the
// narrow scope first; some older service accounts only carry cloud-platform.
func LoadCredentials(path string) (oauth2.TokenSource, error) {
	if path == "" {
		return nil, &CredentialError{Path: path, Reason: "no credentials path configured"}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CredentialError{Path: path, Reason: fmt.Sprintf("cannot read file: %v", err)}
	}

	var keyFile struct {
		Type        string `json:"type"`
		ClientEmail string `json:"client_email"`
		PrivateKey  string `json:"private_key"`
	}
	if err := json.Unmarshal(data, &keyFile); err != nil {
		return nil, &CredentialError{Path: path, Reason: fmt.Sprintf("not valid JSON: %v", err)}
	}
	if keyFile.Type != "service_account" {
		return nil, &CredentialError{Path: path, Reason: fmt.Sprintf("unsupported credential type %q, want service_account", keyFile.Type)}
	}
	if keyFile.ClientEmail == "" || keyFile.PrivateKey == "" {
		return nil, &CredentialError{Path: path, Reason: "service account file is missing client_email or private_key"}
	}

	cfg, err := google.JWTConfigFromJSON(data, scopeGenerativeLanguage)
	if err != nil {
		cfg, err = google.JWTConfigFromJSON(data, scopeCloudPlatform)
		if err != nil {
			return nil, &CredentialError{Path: path, Reason: fmt.Sprintf("cannot build JWT config: %v", err)}
		}
		logging.Gateway("Credentials loaded with cloud-platform scope fallback: %s", keyFile.ClientEmail)
	} else {
		logging.Gateway("Credentials loaded: %s", keyFile.ClientEmail)
	}

	return cfg.TokenSource(context.Background()), nil
}
