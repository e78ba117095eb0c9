// Package credentials supplies login material for the remote session.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/Whateverdoa/DEGIRO-2025/internal/apierr"
)

// Environment variable names read by EnvProvider.
const (
	EnvUsername   = "DEGIRO_USERNAME"
	EnvPassword   = "DEGIRO_PASSWORD"
	EnvTOTPSecret = "DEGIRO_TOTP_SECRET"
)

// Credentials are the login fields for one account. TOTPSecret is optional.
type Credentials struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	TOTPSecret string `json:"totp_secret,omitempty"`
}

// Validate returns an authentication error when a required field is empty.
func (c Credentials) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Username) == "" {
		missing = append(missing, "username")
	}
	if c.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return apierr.Authentication("credentials",
			fmt.Errorf("missing %s", strings.Join(missing, " and ")))
	}
	return nil
}

// String masks everything but a short username prefix so credentials can
// be logged safely.
func (c Credentials) String() string {
	totp := "no"
	if c.TOTPSecret != "" {
		totp = "yes"
	}
	return fmt.Sprintf("Credentials{user=%s password=%s totp=%s}",
		maskUser(c.Username), mask(c.Password), totp)
}

// LogValue keeps slog from printing secrets.
func (c Credentials) LogValue() slog.Value { return slog.StringValue(c.String()) }

func maskUser(u string) string {
	r := []rune(u)
	if len(r) <= 2 {
		return strings.Repeat("*", len(r))
	}
	return string(r[:2]) + strings.Repeat("*", len(r)-2)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

// Static always returns the same credentials.
type Static struct {
	Creds Credentials
}

// Get implements session.CredentialProvider.
func (s Static) Get(ctx context.Context) (Credentials, error) {
	if err := s.Creds.Validate(); err != nil {
		return Credentials{}, err
	}
	return s.Creds, nil
}

// EnvProvider reads credentials from dotenv files and the process
// environment. Process environment values win over file values.
type EnvProvider struct {
	// Files are read in order; later files do not override earlier ones.
	// Missing files are skipped.
	Files []string
}

// NewEnvProvider creates a provider reading the given dotenv files.
func NewEnvProvider(files ...string) *EnvProvider {
	return &EnvProvider{Files: files}
}

// Get implements session.CredentialProvider.
func (p *EnvProvider) Get(ctx context.Context) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}

	fileVals := make(map[string]string)
	for _, f := range p.Files {
		vals, err := godotenv.Read(f)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return Credentials{}, fmt.Errorf("read env file %s: %w", f, err)
		}
		for k, v := range vals {
			if _, seen := fileVals[k]; !seen {
				fileVals[k] = v
			}
		}
	}

	lookup := func(key string) string {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v
		}
		return fileVals[key]
	}

	c := Credentials{
		Username:   lookup(EnvUsername),
		Password:   lookup(EnvPassword),
		TOTPSecret: lookup(EnvTOTPSecret),
	}
	if err := c.Validate(); err != nil {
		return Credentials{}, err
	}
	return c, nil
}
