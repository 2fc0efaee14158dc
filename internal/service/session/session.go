package session

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"wallet_chat/internal/keystore"
	"wallet_chat/internal/model"
	"wallet_chat/internal/transport"
	"wallet_chat/internal/utils/log"
)

// EnrollmentChallenge is the fixed message the wallet signs to gate access
// to the local identity bundle. The signature doubles as the keystore
// sealing secret, so it must never change between releases.
const EnrollmentChallenge = "wallet_chat enrollment v1"

var (
	// ErrSigningDeclined means the user refused the wallet signing prompt.
	// Terminal: the session cannot be established and is not retried
	// automatically.
	ErrSigningDeclined = errors.New("session: user declined the signing request")
)

type (
	// Signer is the wallet-side signing capability. Interactive
	// implementations return ErrSigningDeclined when the user refuses.
	Signer interface {
		Address() string
		Sign(ctx context.Context, message []byte) ([]byte, error)
	}

	// Handle is the authenticated messaging session shared by every
	// component for the rest of the process lifetime.
	Handle struct {
		// Identity is the transport-space sender id, distinct from the
		// wallet address.
		Identity string
		// Address is the canonical lowercase wallet address.
		Address string
		Client  transport.Client
	}

	// ConnectFunc performs the backend handshake for an identity bundle.
	ConnectFunc func(ctx context.Context, bundle *keystore.Bundle, address string) (string, transport.Client, error)

	// Manager memoizes session creation. Concurrent callers share one
	// in-flight handshake; a failed attempt clears so the next call
	// starts fresh.
	Manager struct {
		ks      *keystore.Keystore
		connect ConnectFunc

		group singleflight.Group

		mu     sync.Mutex
		handle *Handle
	}
)

func NewManager(ks *keystore.Keystore, connect ConnectFunc) *Manager {
	return &Manager{ks: ks, connect: connect}
}

// Current returns the cached handle, if any.
func (m *Manager) Current() (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle, m.handle != nil
}

// GetOrCreate returns the session handle, performing at most one handshake
// no matter how many callers arrive while it is in flight.
func (m *Manager) GetOrCreate(ctx context.Context, signer Signer) (*Handle, error) {
	if h, ok := m.Current(); ok {
		return h, nil
	}

	v, err, _ := m.group.Do("session", func() (any, error) {
		if h, ok := m.Current(); ok {
			return h, nil
		}
		h, err := m.establish(ctx, signer)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.handle = h
		m.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (m *Manager) establish(ctx context.Context, signer Signer) (*Handle, error) {
	secret, err := signer.Sign(ctx, []byte(EnrollmentChallenge))
	if err != nil {
		if errors.Is(err, ErrSigningDeclined) {
			return nil, err
		}
		return nil, errors.Wrap(err, "sign enrollment challenge")
	}

	bundle, err := m.loadOrEnroll(secret)
	if err != nil {
		return nil, err
	}

	address := model.CanonicalAddress(signer.Address())
	identity, client, err := m.connect(ctx, bundle, address)
	if err != nil {
		return nil, errors.Wrap(err, "session handshake")
	}

	return &Handle{
		Identity: identity,
		Address:  address,
		Client:   client,
	}, nil
}

// loadOrEnroll opens the local identity bundle. A corrupt bundle is purged
// and re-enrolled from scratch; this is a recovery action, not a retry of
// the handshake.
func (m *Manager) loadOrEnroll(secret []byte) (*keystore.Bundle, error) {
	bundle, err := m.ks.Load(secret)
	if err == nil {
		return bundle, nil
	}

	if errors.Is(err, keystore.ErrCorrupt) {
		log.Warn("local identity bundle is corrupt, purging and re-enrolling")
		if purgeErr := m.ks.Purge(); purgeErr != nil {
			return nil, errors.Wrap(purgeErr, "purge corrupt identity")
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "load identity bundle")
	}

	bundle, err = keystore.NewBundle()
	if err != nil {
		return nil, err
	}
	if err := m.ks.Save(secret, bundle); err != nil {
		return nil, err
	}
	log.Info("enrolled new messaging identity",
		zap.Time("created_at", bundle.CreatedAt))
	return bundle, nil
}
