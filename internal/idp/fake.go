package idp

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// FakeProvisioner is an in-memory Provisioner for tests and local runs
// without an identity provider.
type FakeProvisioner struct {
	mu    sync.Mutex
	creds map[string]*Credentials

	ProvisionErr error
	FetchErr     error
}

func NewFakeProvisioner() *FakeProvisioner {
	return &FakeProvisioner{creds: make(map[string]*Credentials)}
}

func (f *FakeProvisioner) Provision(_ context.Context, instanceCode string, _ []string) (string, error) {
	if f.ProvisionErr != nil {
		return "", f.ProvisionErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := uuid.New().String()
	f.creds[ref] = &Credentials{
		ClientID:     fmt.Sprintf("fed-%s", instanceCode),
		ClientSecret: uuid.New().String(),
		IdPAlias:     fmt.Sprintf("idp-%s", instanceCode),
		Realm:        "federation",
		IssuerURL:    "http://idp.local/realms/federation",
	}
	return ref, nil
}

func (f *FakeProvisioner) Fetch(_ context.Context, credentialRef, _ string) (*Credentials, error) {
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	creds, ok := f.creds[credentialRef]
	if !ok {
		return nil, fmt.Errorf("unknown credential reference %s", credentialRef)
	}
	return creds, nil
}
