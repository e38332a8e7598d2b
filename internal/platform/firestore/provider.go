package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/platform/config"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	dialTimeout        = 10 * time.Second
	envEmulatorHost    = "FIRESTORE_EMULATOR_HOST"
	envGoogleProjectID = "GOOGLE_CLOUD_PROJECT"
)

var (
	ErrProviderClosed = errors.New("firestore: provider is closed")

	errNilContext  = errors.New("firestore: context is required")
	errNoProjectID = errors.New("firestore: project id is required")
)

type dialResult struct {
	client *firestore.Client
	err    error
}

// Provider owns the shared Firestore client. The client is dialled on first
// use so the API can start serving health checks before credentials resolve,
// and concurrent first callers wait on a single dial instead of racing.
type Provider struct {
	cfg config.FirestoreConfig

	mu      sync.Mutex
	dialing chan dialResult
	client  *firestore.Client

	closed atomic.Bool
}

// NewProvider wraps the Firestore configuration. No connection is made yet.
func NewProvider(cfg config.FirestoreConfig) *Provider {
	return &Provider{cfg: cfg}
}

// Client returns the shared client, dialling it on the first call.
func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	if ctx == nil {
		return nil, errNilContext
	}

	cached, inFlight, mine, err := p.claimDial()
	switch {
	case err != nil:
		return nil, err
	case cached != nil:
		return cached, nil
	case inFlight != nil:
		return p.awaitDial(ctx, inFlight)
	}

	client, dialErr := p.openClient(ctx)
	p.finishDial(mine, client, dialErr)

	switch {
	case dialErr != nil:
		return nil, dialErr
	case p.closed.Load():
		return nil, ErrProviderClosed
	}
	return client, nil
}

// claimDial either hands back the cached client, an in-flight dial to wait
// on, or a fresh channel meaning the caller must dial.
func (p *Provider) claimDial() (cached *firestore.Client, inFlight <-chan dialResult, mine chan dialResult, err error) {
	if p.closed.Load() {
		return nil, nil, nil, ErrProviderClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.client != nil:
		return p.client, nil, nil, nil
	case p.closed.Load():
		return nil, nil, nil, ErrProviderClosed
	case p.dialing != nil:
		return nil, p.dialing, nil, nil
	}

	p.dialing = make(chan dialResult, 1)
	return nil, nil, p.dialing, nil
}

func (p *Provider) finishDial(ch chan dialResult, client *firestore.Client, err error) {
	p.mu.Lock()
	p.client = client
	p.dialing = nil
	p.mu.Unlock()

	ch <- dialResult{client: client, err: err}
	close(ch)
}

func (p *Provider) awaitDial(ctx context.Context, ch <-chan dialResult) (*firestore.Client, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		switch {
		case res.err != nil:
			return nil, res.err
		case p.closed.Load():
			return nil, ErrProviderClosed
		}
		return res.client, nil
	}
}

func (p *Provider) openClient(ctx context.Context) (*firestore.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	projectID, err := p.resolveProjectID()
	if err != nil {
		return nil, err
	}

	client, err := firestore.NewClient(dialCtx, projectID, p.clientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("firestore: create client: %w", err)
	}
	return client, nil
}

func (p *Provider) resolveProjectID() (string, error) {
	for _, candidate := range []string{p.cfg.ProjectID, os.Getenv(envGoogleProjectID)} {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed, nil
		}
	}
	return "", errNoProjectID
}

func (p *Provider) clientOptions() []option.ClientOption {
	host := p.emulatorHost()
	if host == "" {
		return nil
	}

	// The SDK only honours the emulator when the env var is set too.
	if os.Getenv(envEmulatorHost) == "" {
		_ = os.Setenv(envEmulatorHost, host)
	}
	return []option.ClientOption{
		option.WithoutAuthentication(),
		option.WithEndpoint(host),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	}
}

// Close releases the client. A provider cannot be reused after Close; an
// in-flight dial is allowed to finish before its client is torn down.
func (p *Provider) Close(ctx context.Context) error {
	if p == nil || p.closed.Load() {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	client, err := p.detachClient(ctx)
	if err != nil || client == nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- client.Close() }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// detachClient marks the provider closed and takes ownership of the client,
// waiting out any dial still in flight.
func (p *Provider) detachClient(ctx context.Context) (*firestore.Client, error) {
	for {
		p.mu.Lock()
		if p.closed.Load() {
			p.mu.Unlock()
			return nil, nil
		}

		inFlight := p.dialing
		if inFlight == nil {
			p.closed.Store(true)
			client := p.client
			p.client = nil
			p.mu.Unlock()
			return client, nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-inFlight:
		}
	}
}

// RunTransaction executes fn inside a transaction on the shared client.
func (p *Provider) RunTransaction(ctx context.Context, fn TxFunc) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	return RunTransaction(ctx, client, fn)
}

func (p *Provider) emulatorHost() string {
	if trimmed := strings.TrimSpace(p.cfg.EmulatorHost); trimmed != "" {
		return trimmed
	}
	return strings.TrimSpace(os.Getenv(envEmulatorHost))
}
