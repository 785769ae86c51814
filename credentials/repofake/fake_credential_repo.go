package fakecredentialrepo

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-session-server/autherr"
	"github.com/jrsteele09/go-session-server/credentials"
)

var _ credentials.Store = (*FakeCredentialRepo)(nil)

type FakeCredentialRepo struct {
	credentials map[string]credentials.Credential
	lock        sync.RWMutex
}

func NewFakeCredentialRepo() *FakeCredentialRepo {
	return &FakeCredentialRepo{
		credentials: make(map[string]credentials.Credential),
	}
}

func (cr *FakeCredentialRepo) Upsert(_ context.Context, credential *credentials.Credential) error {
	if credential == nil || credential.SubjectID == "" {
		return autherr.New(autherr.KindConfiguration, "FakeCredentialRepo.Upsert", "subject id is required")
	}
	cr.lock.Lock()
	defer cr.lock.Unlock()

	c := *credential
	c.TOTPSecret = append([]byte(nil), credential.TOTPSecret...)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	cr.credentials[c.SubjectID] = c
	return nil
}

func (cr *FakeCredentialRepo) Get(_ context.Context, subjectID string) (*credentials.Credential, error) {
	cr.lock.RLock()
	defer cr.lock.RUnlock()

	c, ok := cr.credentials[subjectID]
	if !ok {
		return nil, autherr.New(autherr.KindNotFound, "FakeCredentialRepo.Get", "no credential for subject")
	}
	c.TOTPSecret = append([]byte(nil), c.TOTPSecret...)
	return &c, nil
}

func (cr *FakeCredentialRepo) Delete(_ context.Context, subjectID string) error {
	cr.lock.Lock()
	defer cr.lock.Unlock()

	if _, ok := cr.credentials[subjectID]; !ok {
		return autherr.New(autherr.KindNotFound, "FakeCredentialRepo.Delete", "no credential for subject")
	}
	delete(cr.credentials, subjectID)
	return nil
}
