// Package testutil provides fixtures and helpers shared by hf-dataset tests.
package testutil

import (
	"context"
	"iter"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/vdeturckheim/hf-dataset/pkg/models"
)

// TestLogger creates a test logger that writes to the test output.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a context that expires after 30 seconds and is
// cancelled when the test ends.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// AssertEventually fails the test unless condition becomes true within
// timeout. It polls every 10ms.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// Collect drains seq. It stops at the first error and returns the
// records yielded before it.
func Collect(seq iter.Seq2[*models.Record, error]) ([]*models.Record, error) {
	var out []*models.Record
	for rec, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Take ranges seq and stops after n records.
func Take(seq iter.Seq2[*models.Record, error], n int) ([]*models.Record, error) {
	out := make([]*models.Record, 0, n)
	if n == 0 {
		return out, nil
	}
	for rec, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
		if len(out) == n {
			break
		}
	}
	return out, nil
}

// Field extracts one field from every record.
func Field(records []*models.Record, name string) []interface{} {
	out := make([]interface{}, len(records))
	for i, r := range records {
		out[i] = r.Data[name]
	}
	return out
}
