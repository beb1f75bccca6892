package archive

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/exosim/control-plane/internal/domain"
)

func TestNewClient_IncompleteCredentials(t *testing.T) {
	log := zerolog.New(io.Discard)

	tests := []struct {
		name            string
		accountID       string
		accessKeyID     string
		secretAccessKey string
		bucket          string
	}{
		{"missing account id", "", "key", "secret", "bucket"},
		{"missing access key", "acct", "", "secret", "bucket"},
		{"missing secret key", "acct", "key", "", "bucket"},
		{"missing bucket", "acct", "key", "secret", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(context.Background(), tt.accountID, tt.accessKeyID, tt.secretAccessKey, tt.bucket, log)
			require.Error(t, err)
			require.Contains(t, err.Error(), "credentials incomplete")
		})
	}
}

func TestKeyLayout(t *testing.T) {
	rec := domain.ExecutionRecord{
		ExecutionID:  "exec-1",
		WorkflowName: "sod",
		StartedAt:    time.Date(2025, 11, 3, 8, 0, 0, 0, time.UTC),
	}
	require.Equal(t, "workflow-executions/sod/2025-11-03/exec-1.json", key(rec))
}
