/*
 * Copyright (C) 2024 Nuts community
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 *
 */

package cmd

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/nuts-foundation/go-did/vc"
	"github.com/sirupsen/logrus"

	"github.com/nuts-foundation/openid4vc/api"
	"github.com/nuts-foundation/openid4vc/crypto"
	"github.com/nuts-foundation/openid4vc/issuer"
	"github.com/nuts-foundation/openid4vc/log"
	"github.com/nuts-foundation/openid4vc/openid4vci"
	"github.com/nuts-foundation/openid4vc/policy"
	"github.com/nuts-foundation/openid4vc/storage"
	"github.com/nuts-foundation/openid4vc/verifier"
)

const shutdownTimeout = 5 * time.Second

func runServer(ctx context.Context, config Config) error {
	level, err := logrus.ParseLevel(config.Verbosity)
	if err != nil {
		return fmt.Errorf("invalid verbosity: %w", err)
	}
	logrus.SetLevel(level)

	var db storage.SessionDatabase
	if config.Redis.IsConfigured() {
		db, err = storage.NewRedisSessionDatabase(config.Redis)
		if err != nil {
			return err
		}
	} else {
		db = storage.NewInMemorySessionDatabase()
	}
	defer db.Close()

	credentialsSupported, err := loadCredentialsSupported(config.Issuer.CredentialsFile)
	if err != nil {
		return err
	}
	// demo key, sessions do not survive a restart anyway when using in-memory storage
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	signer := crypto.MemoryJWTSigner{Signer: privateKey, Kid: config.URL + "#key-1"}

	issuerEngine := issuer.New(config.URL, credentialsSupported, signer, demoCapability(), db)
	verifierEngine := verifier.New(config.URL, config.Verifier.ClientID, policy.NewRegistry(policy.Config{}), db)

	e := echo.New()
	e.HideBanner = true
	api.Wrapper{Issuer: issuerEngine, Verifier: verifierEngine}.Routes(e)

	serverCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	errChan := make(chan error, 1)
	go func() {
		errChan <- e.Start(config.Address)
	}()
	log.Logger().Infof("Server listening on %s (public URL: %s)", config.Address, config.URL)

	select {
	case err := <-errChan:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-serverCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

func loadCredentialsSupported(filename string) ([]openid4vci.CredentialSupported, error) {
	if filename == "" {
		return []openid4vci.CredentialSupported{
			{
				ID:     "DemoCredential",
				Format: openid4vci.VerifiableCredentialJSONLDFormat,
				Types:  []string{"VerifiableCredential", "DemoCredential"},
			},
		}, nil
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}
	var result []openid4vci.CredentialSupported
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unable to parse credentials file %s: %w", filename, err)
	}
	return result, nil
}

// demoCapability issues unsigned demo credentials of the requested type to the
// requesting wallet. Production deployments inject their own capability.
func demoCapability() issuer.CredentialIssuanceCapability {
	return issuer.CredentialIssuanceFn(func(_ context.Context, request openid4vci.CredentialRequest, holderDid string) (*issuer.CredentialResult, error) {
		typesJSON, err := json.Marshal(request.Types)
		if err != nil {
			return nil, err
		}
		credentialJSON := fmt.Sprintf(`{
			"@context": ["https://www.w3.org/2018/credentials/v1"],
			"id": "urn:uuid:%s",
			"type": %s,
			"issuer": "did:web:localhost",
			"issuanceDate": "%s",
			"credentialSubject": {"id": "%s"}
		}`, uuid.NewString(), typesJSON, time.Now().UTC().Format(time.RFC3339), holderDid)
		credential, err := vc.ParseVerifiableCredential(credentialJSON)
		if err != nil {
			return nil, err
		}
		return &issuer.CredentialResult{Credential: credential}, nil
	})
}
