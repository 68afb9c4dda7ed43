package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewStore(t *testing.T) {
	cfg := Config{MaxLoanDays: 14, MaxReservationDays: 7, MaxReservations: 5, MaxRenewals: 2}

	s, err := NewStore(cfg)
	require.NoError(t, err)
	p, err := s.Policy(context.Background())
	require.NoError(t, err)
	require.Equal(t, 14*24*time.Hour, p.MaxLoanDuration)
	require.Equal(t, 7*24*time.Hour, p.MaxReservationDuration)
	require.Equal(t, 5, p.MaxReservationsPerUser)
	require.Equal(t, 2, p.MaxRenewals)
}

func TestNewStore_FileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("maxLoanDays: 21\nmaxRenewals: 0\n"), 0o600))

	cfg := Config{MaxLoanDays: 14, MaxReservationDays: 7, MaxReservations: 5, MaxRenewals: 2, File: path}
	s, err := NewStore(cfg)
	require.NoError(t, err)
	p, _ := s.Policy(context.Background())
	require.Equal(t, 21*24*time.Hour, p.MaxLoanDuration)
	require.Equal(t, 7*24*time.Hour, p.MaxReservationDuration)
	require.Equal(t, 0, p.MaxRenewals)
}

func TestNewStore_Invalid(t *testing.T) {
	_, err := NewStore(Config{MaxLoanDays: 0, MaxReservationDays: 7, MaxReservations: 1})
	require.Error(t, err)

	_, err = NewStore(Config{MaxLoanDays: 1, MaxReservationDays: 1, MaxReservations: 1, File: "/nonexistent/policy.yaml"})
	require.Error(t, err)
}
