package swarm

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeRawConnection struct {
	*discardByteStream
	closed bool
	local  *Address
	remote *Address
}

func (f *fakeRawConnection) Close() error         { f.closed = true; return nil }
func (f *fakeRawConnection) LocalAddr() *Address  { return f.local }
func (f *fakeRawConnection) RemoteAddr() *Address { return f.remote }

func newFakeRawConnection(addr *Address) *fakeRawConnection {
	return &fakeRawConnection{discardByteStream: new(discardByteStream), remote: addr}
}

func TestSmartDialerReturnsFirstSuccess(t *testing.T) {
	good, _ := ParseAddress("/ip4/1.2.3.4/tcp/1")
	bad, _ := ParseAddress("/ip4/1.2.3.5/tcp/1")

	d := NewSmartDialer(DefaultSmartDialerConfig())
	result, err := d.Dial(context.Background(), []*Address{bad, good}, func(ctx context.Context, addr *Address) (RawConnection, error) {
		if addr.Equal(bad) {
			return nil, errors.New("boom")
		}
		return newFakeRawConnection(addr), nil
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if !result.Address.Equal(good) {
		t.Errorf("Dial returned %v, want %v", result.Address, good)
	}
}

func TestSmartDialerAllFailuresReturnsError(t *testing.T) {
	addr, _ := ParseAddress("/ip4/1.2.3.4/tcp/1")
	d := NewSmartDialer(DefaultSmartDialerConfig())
	_, err := d.Dial(context.Background(), []*Address{addr}, func(ctx context.Context, addr *Address) (RawConnection, error) {
		return nil, errors.New("boom")
	})
	if !errors.Is(err, ErrAllDialsFailed) {
		t.Errorf("expected ErrAllDialsFailed, got %v", err)
	}
}

func TestSmartDialerEmptyAddressListFails(t *testing.T) {
	d := NewSmartDialer(DefaultSmartDialerConfig())
	_, err := d.Dial(context.Background(), nil, func(ctx context.Context, addr *Address) (RawConnection, error) {
		t.Fatal("attempt should never be called for an empty address list")
		return nil, nil
	})
	if !errors.Is(err, ErrAllDialsFailed) {
		t.Errorf("expected ErrAllDialsFailed, got %v", err)
	}
}

func TestSmartDialerRespectsTimeout(t *testing.T) {
	addr, _ := ParseAddress("/ip4/1.2.3.4/tcp/1")
	cfg := DefaultSmartDialerConfig()
	cfg.DialTimeout = 20 * time.Millisecond
	d := NewSmartDialer(cfg)

	_, err := d.Dial(context.Background(), []*Address{addr}, func(ctx context.Context, addr *Address) (RawConnection, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestSmartDialerDefaultsAppliedForZeroConfig(t *testing.T) {
	d := NewSmartDialer(SmartDialerConfig{})
	if d.cfg.MaxConcurrentDials != 16 || d.cfg.DialConcurrencyFactor != 8 || d.cfg.DialTimeout != 30*time.Second {
		t.Errorf("unexpected defaults: %+v", d.cfg)
	}
}
